package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/circuitmesh/circuitd/internal/wireproto"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, payload)
	return nil
}

func decodeHeartbeat(payload []byte) (int, wireproto.Codec, error) {
	env, err := wireproto.DecodeNetworkMessage(payload)
	if err != nil {
		return 0, nil, err
	}
	return int(env.Type), &wireproto.HeartbeatMsg{}, nil
}

func TestDispatchRoutesToHandler(t *testing.T) {
	sender := &fakeSender{}
	d := New("network", decodeHeartbeat, func(string) MessageSender { return sender }, 2, 16)

	var calls int32
	var mu sync.Mutex
	d.RegisterHandler(int(wireproto.TypeNetworkHeartbeat), func(connID string, msg wireproto.Codec, s MessageSender) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	frame, err := (&wireproto.NetworkMessage{Type: wireproto.TypeNetworkHeartbeat, Payload: []byte{}}).Encode()
	require.NoError(t, err)
	require.NoError(t, d.Dispatch("conn-1", frame))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchRateLimits(t *testing.T) {
	sender := &fakeSender{}
	d := New("network", decodeHeartbeat, func(string) MessageSender { return sender }, 1, 16, WithRateLimit(1, 1))
	d.RegisterHandler(int(wireproto.TypeNetworkHeartbeat), func(string, wireproto.Codec, MessageSender) error { return nil })

	frame, err := (&wireproto.NetworkMessage{Type: wireproto.TypeNetworkHeartbeat, Payload: []byte{}}).Encode()
	require.NoError(t, err)

	require.NoError(t, d.Dispatch("conn-1", frame))
	require.Error(t, d.Dispatch("conn-1", frame))
}
