package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacemakerTicks(t *testing.T) {
	var count int32
	p := NewPacemaker()
	p.Start(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	defer p.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestPacemakerStopIdempotent(t *testing.T) {
	p := NewPacemaker()
	p.Start(time.Hour, func() {})
	p.Stop()
	p.Stop()
}

func TestPacemakerStopWithoutStart(t *testing.T) {
	p := NewPacemaker()
	p.Stop()
}
