package afftool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ratewatch-backend/lib/timezone"

	"github.com/stretchr/testify/require"
)

func writeSessionFile(t *testing.T, lastLogin time.Time) string {
	t.Helper()

	session := Session{
		Cookies: []SessionCookie{
			{Name: "sid", Value: "abc123", Domain: ".example.co.jp", Path: "/"},
		},
		LastLogin: lastLogin,
	}
	raw, err := json.Marshal(session)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.json")
	err = os.WriteFile(path, raw, 0600)
	require.NoError(t, err)
	return path
}

func TestLoadSessionFresh(t *testing.T) {
	path := writeSessionFile(t, timezone.Now().Add(-6*24*time.Hour))

	session, err := LoadSession(path)
	require.NoError(t, err)
	require.Len(t, session.Cookies, 1)
	require.Equal(t, "sid", session.Cookies[0].Name)
}

func TestLoadSessionExpired(t *testing.T) {
	path := writeSessionFile(t, timezone.Now().Add(-8*24*time.Hour))

	_, err := LoadSession(path)
	require.ErrorIs(t, err, ErrLoginRequired)
}

func TestLoadSessionMissing(t *testing.T) {
	_, err := LoadSession(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrLoginRequired)
}

func TestSessionValidAtBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, timezone.Location)

	cases := []struct {
		lastLogin time.Time
		valid     bool
	}{
		{now.Add(-6 * 24 * time.Hour), true},
		{now.Add(-7 * 24 * time.Hour), true},
		{now.Add(-8 * 24 * time.Hour), false},
		{time.Time{}, false},
	}
	for _, c := range cases {
		s := &Session{LastLogin: c.lastLogin}
		require.Equal(t, c.valid, s.ValidAt(now), "lastLogin=%s", c.lastLogin)
	}

	var nilSession *Session
	require.False(t, nilSession.ValidAt(now))
}
