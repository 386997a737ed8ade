package peer

import (
	"time"

	"github.com/circuitmesh/circuitd/internal/ids"
)

// now is indirected through a var so tests can freeze time when
// exercising RetryPending's backoff arithmetic.
var now = time.Now

func newConnectionID() (string, error) {
	return ids.NewConnectionID(), nil
}
