package afftool

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"ratewatch-backend/lib/timezone"
)

// ErrLoginRequired distinguishes "run the out-of-band login procedure
// again" from transient failures, so callers do not retry blindly.
var ErrLoginRequired = errors.New("affiliate portal session is missing or expired, login required")

// sessions older than this are treated as absent; the portal silently
// invalidates cookies around the one week mark
const SessionMaxAge = 7 * 24 * time.Hour

type SessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HttpOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// Session is the serialized login state written by the out-of-band login
// procedure. The core only ever reads it.
type Session struct {
	Cookies   []SessionCookie `json:"cookies"`
	LastLogin time.Time       `json:"lastLogin"`
}

func (s *Session) ValidAt(now time.Time) bool {
	if s == nil || s.LastLogin.IsZero() {
		return false
	}
	return now.Sub(s.LastLogin) <= SessionMaxAge
}

func (s *Session) httpCookies() []*http.Cookie {
	out := make([]*http.Cookie, len(s.Cookies))
	for i, c := range s.Cookies {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		out[i] = cookie
	}
	return out
}

// LoadSession reads the session document from durable storage. A missing
// file or a session past SessionMaxAge both surface as ErrLoginRequired.
func LoadSession(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrLoginRequired
	}
	if err != nil {
		return nil, err
	}

	var session Session
	err = json.Unmarshal(raw, &session)
	if err != nil {
		return nil, err
	}
	if !session.ValidAt(timezone.Now()) {
		return nil, ErrLoginRequired
	}

	return &session, nil
}
