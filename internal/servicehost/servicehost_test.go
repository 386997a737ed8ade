package servicehost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/internal/dispatch"
	"github.com/circuitmesh/circuitd/internal/mesh"
	"github.com/circuitmesh/circuitd/internal/routing"
	"github.com/circuitmesh/circuitd/internal/servicehost/echo"
	"github.com/circuitmesh/circuitd/internal/transport/inproc"
	"github.com/circuitmesh/circuitd/internal/wireproto"
)

// fakeConnections is a fixed node_id -> connection_id map, standing in
// for internal/peer.Manager in these unit tests.
type fakeConnections map[string]string

func (f fakeConnections) GetConnectionId(nodeID string) (string, bool) {
	id, ok := f[nodeID]
	return id, ok
}

// wireNode sets up a Mesh with one established inproc connection and a
// Dispatcher demuxing TypeCircuit NetworkMessages to it, mirroring the
// demux step cmd/circuitd wires between the mesh's Recv loop and each
// message family's Dispatcher.
func wireNode(t *testing.T, conn *inproc.Connection, connID string, decode dispatch.DecodeFunc) (*mesh.Mesh, *dispatch.Dispatcher) {
	t.Helper()
	m := mesh.New()
	m.AddConnection(connID, conn)

	d := dispatch.New("circuit", decode, func(id string) dispatch.MessageSender { return m.NewSender(id) }, 2, 16)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	go func() {
		for {
			env, ok := m.Recv()
			if !ok {
				return
			}
			netMsg, err := wireproto.DecodeNetworkMessage(env.Payload)
			if err != nil || netMsg.Type != wireproto.TypeCircuit {
				continue
			}
			_ = d.Dispatch(env.ConnectionID, netMsg.Payload)
		}
	}()

	return m, d
}

func TestRouterDeliversDirectMessageToRegisteredHost(t *testing.T) {
	broker := inproc.NewBroker()
	aTransport := inproc.New(broker, "inproc://alpha")
	bTransport := inproc.New(broker, "inproc://beta")

	listener, err := bTransport.Listen("inproc://beta")
	require.NoError(t, err)

	accepted := make(chan *inproc.Connection, 1)
	go func() {
		c, aerr := listener.Accept()
		require.NoError(t, aerr)
		accepted <- c.(*inproc.Connection)
	}()

	aConn, err := aTransport.Connect("inproc://beta")
	require.NoError(t, err)
	bConn := <-accepted

	aMesh, aDispatch := wireNode(t, aConn, "conn-to-beta", DecodeFunc)
	bMesh, bDispatch := wireNode(t, bConn, "conn-to-alpha", DecodeFunc)

	bTable := routing.New()
	bTable.AddCircuit("circuit-1",
		[]routing.Member{{NodeID: "alpha"}, {NodeID: "beta"}},
		[]routing.Service{{ServiceID: "echo-svc", NodeID: "beta"}, {ServiceID: "caller-svc", NodeID: "alpha"}},
	)
	bRouter := NewRouter(bTable, fakeConnections{"alpha": "conn-to-alpha"}, bMesh)
	echoSvc := echo.New("echo-svc", bRouter)
	bRouter.Register("echo-svc", echoSvc)
	bRouter.RegisterHandlers(bDispatch)

	aTable := routing.New()
	aTable.AddCircuit("circuit-1",
		[]routing.Member{{NodeID: "alpha"}, {NodeID: "beta"}},
		[]routing.Service{{ServiceID: "echo-svc", NodeID: "beta"}},
	)
	aRouter := NewRouter(aTable, fakeConnections{"beta": "conn-to-beta"}, aMesh)
	var received InboundMessage
	recvCh := make(chan InboundMessage, 1)
	aRouter.Register("caller-svc", hostFunc(func(msg InboundMessage) error {
		recvCh <- msg
		return nil
	}))
	aRouter.RegisterHandlers(aDispatch)

	require.NoError(t, aRouter.Send("circuit-1", "caller-svc", "echo-svc", []byte("ping")))

	select {
	case msg := <-recvCh:
		received = msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed reply")
	}
	require.Equal(t, "ping", string(received.Payload))
	require.Equal(t, "echo-svc", received.SenderID)
}

type hostFunc func(msg InboundMessage) error

func (f hostFunc) Inject(msg InboundMessage) error { return f(msg) }

func TestHandleConnectRequestReportsRegisteredService(t *testing.T) {
	table := routing.New()
	r := NewRouter(table, fakeConnections{}, mesh.New())
	r.Register("svc-a", hostFunc(func(InboundMessage) error { return nil }))

	sender := &captureSender{}
	err := r.handleConnectRequest("conn-1", &wireproto.ServiceConnectRequestMsg{CircuitID: "c1", ServiceID: "svc-a"}, sender)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	typ, msg, err := wireproto.DecodeCircuitMessage(sender.sent[0])
	require.NoError(t, err)
	require.Equal(t, wireproto.ServiceConnectResponseType, typ)
	resp := msg.(*wireproto.ServiceConnectResponseMsg)
	require.True(t, resp.Accepted)
}

func TestHandleDirectMessageRepliesErrorForUnregisteredService(t *testing.T) {
	table := routing.New()
	r := NewRouter(table, fakeConnections{}, mesh.New())

	sender := &captureSender{}
	err := r.handleDirectMessage("conn-1", &wireproto.CircuitDirectMessageMsg{
		CircuitID:   "c1",
		RecipientID: "missing-svc",
		SenderID:    "svc-a",
		Payload:     []byte("hi"),
	}, sender)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	typ, msg, err := wireproto.DecodeCircuitMessage(sender.sent[0])
	require.NoError(t, err)
	require.Equal(t, wireproto.CircuitErrorType, typ)
	errMsg := msg.(*wireproto.CircuitErrorMsg)
	require.Equal(t, uint16(404), errMsg.Code)
}

type captureSender struct {
	sent [][]byte
}

func (c *captureSender) Send(payload []byte) error {
	netMsg, err := wireproto.DecodeNetworkMessage(payload)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, netMsg.Payload)
	return nil
}
