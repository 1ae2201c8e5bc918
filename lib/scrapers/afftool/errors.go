package afftool

import (
	"context"
	"errors"
	"net"
)

// IsTimeout classifies navigation failures by type rather than by error
// message text, so the retry policy survives changes in the underlying
// HTTP stack's phrasing.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
