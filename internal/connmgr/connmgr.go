// Package connmgr implements the Connection Manager of spec.md §2/§4
// "Connection Manager": it owns raw transport.Connections, runs the
// internal/auth authorization state machine on every new connection
// before surfacing it, and reports lifecycle notifications upward to
// the peer manager. Structurally grounded in the teacher's split
// between server.go's peer bookkeeping and peer.go's per-connection
// read/write actor, collapsed here into one mesh-event watcher
// goroutine plus one goroutine per pending connection.
package connmgr

import (
	"fmt"
	"sync"

	"github.com/circuitmesh/circuitd/internal/auth"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/mesh"
	"github.com/circuitmesh/circuitd/internal/transport"
	"github.com/circuitmesh/circuitd/internal/wireproto"
	"github.com/google/uuid"
)

// NotificationType enumerates the lifecycle events the connection
// manager fans out to subscribers (the peer manager, in practice).
type NotificationType int

const (
	NotifyConnected NotificationType = iota
	NotifyInboundConnection
	NotifyDisconnected
	NotifyFatalConnectionError
	NotifyNonFatalConnectionError
)

// Notification is delivered to every subscriber in the order the
// connection manager observes it.
type Notification struct {
	Type         NotificationType
	ConnectionID string
	Endpoint     string
	Identity     *auth.Identity
	Attempts     int
	Err          error
}

// AuthPolicyFunc returns the authorization policy to apply for a given
// remote endpoint, letting callers pin expected peer identities
// per-endpoint.
type AuthPolicyFunc func(endpoint string) auth.Policy

// Manager is the connection manager. It keeps no connection table of
// its own: each in-flight connection is held by the goroutine
// authorizing it, and authorized connections are handed to the mesh.
// Its only shared mutable state, the subscriber list, is guarded by mu.
type Manager struct {
	transport transport.Transport
	mesh      *mesh.Mesh
	policy    AuthPolicyFunc

	mu          sync.Mutex
	subscribers []chan Notification

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(tr transport.Transport, m *mesh.Mesh, policy AuthPolicyFunc) *Manager {
	cm := &Manager{
		transport: tr,
		mesh:      m,
		policy:    policy,
		quit:      make(chan struct{}),
	}
	cm.wg.Add(1)
	go cm.watchMeshEvents()
	return cm
}

// watchMeshEvents turns mesh-level connection-removed events (a peer
// closing its socket, a read error, or the mesh dropping a connection
// another actor asked to remove) into Disconnected notifications.
func (cm *Manager) watchMeshEvents() {
	defer cm.wg.Done()
	events := cm.mesh.Subscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == mesh.EventConnectionRemoved {
				cm.publish(Notification{Type: NotifyDisconnected, ConnectionID: ev.ConnectionID})
			}
		case <-cm.quit:
			return
		}
	}
}

// Subscribe returns a channel of connection lifecycle notifications.
func (cm *Manager) Subscribe() <-chan Notification {
	ch := make(chan Notification, 64)
	cm.mu.Lock()
	cm.subscribers = append(cm.subscribers, ch)
	cm.mu.Unlock()
	return ch
}

func (cm *Manager) publish(n Notification) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, ch := range cm.subscribers {
		select {
		case ch <- n:
		default:
			logging.ConnLog.Warnf("connmgr subscriber full, dropping %+v", n)
		}
	}
}

// ListenAndAccept opens a listener on listenEndpoint and starts the
// inbound accept loop in its own goroutine, returning once the listener
// is open; the loop runs until Shutdown is called or Accept fails.
func (cm *Manager) ListenAndAccept(listenEndpoint string) error {
	l, err := cm.transport.Listen(listenEndpoint)
	if err != nil {
		return fmt.Errorf("connmgr: listen on %s: %w", listenEndpoint, err)
	}
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer l.Close()
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-cm.quit:
					return
				default:
					logging.ConnLog.Errorf("accept on %s: %v", listenEndpoint, err)
					return
				}
			}
			connID := uuid.NewString()
			cm.wg.Add(1)
			go cm.runAcceptor(connID, conn)
		}
	}()
	return nil
}

// RequestConnection dials endpoint under the supplied connection id
// (minted by the peer manager so retries reuse the same id) and runs
// the initiator side of authorization. It returns once the dial
// either succeeds or fails; authorization completes asynchronously and
// is reported via a Notification.
func (cm *Manager) RequestConnection(endpoint, connectionID string) error {
	conn, err := cm.transport.Connect(endpoint)
	if err != nil {
		return fmt.Errorf("connmgr: connect to %s: %w", endpoint, err)
	}
	cm.wg.Add(1)
	go cm.runInitiator(connectionID, endpoint, conn)
	return nil
}

// RemoveConnection tears down a connection regardless of its
// authorization state, e.g. because the peer manager lost a
// duplicate-connection tie-break.
func (cm *Manager) RemoveConnection(connectionID string) {
	cm.mesh.RemoveConnection(connectionID)
}

func (cm *Manager) authPolicy(endpoint string) auth.Policy {
	if cm.policy == nil {
		return auth.Policy{AcceptedAuthTypes: []auth.AuthTypePreference{auth.PreferTrust}}
	}
	return cm.policy(endpoint)
}

func (cm *Manager) runInitiator(connID, endpoint string, conn transport.Connection) {
	defer cm.wg.Done()

	machine := auth.NewInitiatorMachine(cm.authPolicy(endpoint))
	err := cm.negotiate(conn, func(t wireproto.AuthMessageType, msg wireproto.Codec) ([]auth.OutboundMessage, bool, error) {
		return machine.HandleMessage(t, msg)
	}, machine.Start)
	if err != nil {
		conn.Close()
		cm.publish(Notification{Type: NotifyFatalConnectionError, ConnectionID: connID, Endpoint: endpoint, Err: err})
		return
	}
	identity := machine.Identity
	if identity == nil {
		identity = &auth.Identity{}
	}

	cm.mesh.AddConnection(connID, conn)
	cm.publish(Notification{Type: NotifyConnected, ConnectionID: connID, Endpoint: endpoint, Identity: identity})
}

func (cm *Manager) runAcceptor(connID string, conn transport.Connection) {
	defer cm.wg.Done()

	endpoint := conn.RemoteEndpoint()
	machine := auth.NewAcceptorMachine(cm.authPolicy(endpoint))
	err := cm.negotiate(conn, func(t wireproto.AuthMessageType, msg wireproto.Codec) ([]auth.OutboundMessage, bool, error) {
		return machine.HandleMessage(t, msg)
	}, nil)
	if err != nil {
		conn.Close()
		cm.publish(Notification{Type: NotifyFatalConnectionError, ConnectionID: connID, Endpoint: endpoint, Err: err})
		return
	}
	identity := machine.Identity
	if identity == nil {
		identity = &auth.Identity{}
	}

	cm.mesh.AddConnection(connID, conn)
	cm.publish(Notification{Type: NotifyInboundConnection, ConnectionID: connID, Endpoint: endpoint, Identity: identity})
}

// negotiate drives the authorization handshake synchronously over
// conn, blocking this goroutine until the auth state machine reaches a
// terminal state. start, if non-nil, produces the first outbound
// message (only the initiator side has one).
func (cm *Manager) negotiate(
	conn transport.Connection,
	handle func(wireproto.AuthMessageType, wireproto.Codec) ([]auth.OutboundMessage, bool, error),
	start func() (auth.OutboundMessage, error),
) error {
	send := func(out auth.OutboundMessage) error {
		payload, err := wireproto.EncodeAuthMessage(out.Type, out.Msg)
		if err != nil {
			return err
		}
		env, err := (&wireproto.NetworkMessage{Type: wireproto.TypeAuthorization, Payload: payload}).Encode()
		if err != nil {
			return err
		}
		return conn.Send(env)
	}

	if start != nil {
		first, err := start()
		if err != nil {
			return err
		}
		if err := send(first); err != nil {
			return err
		}
	}

	for {
		frame, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("connmgr: receive during authorization: %w", err)
		}
		env, err := wireproto.DecodeNetworkMessage(frame)
		if err != nil {
			return err
		}
		if env.Type != wireproto.TypeAuthorization {
			return fmt.Errorf("connmgr: expected AUTHORIZATION message, got %s", env.Type)
		}
		authType, msg, err := wireproto.DecodeAuthMessage(env.Payload)
		if err != nil {
			return err
		}

		outs, done, err := handle(authType, msg)
		for _, out := range outs {
			if sendErr := send(out); sendErr != nil && err == nil {
				err = sendErr
			}
		}
		if done {
			return err
		}
	}
}

// ReportNonFatalError lets another actor surface a non-fatal
// connection condition (such as missed heartbeats) without reaching
// into connection-manager internals.
func (cm *Manager) ReportNonFatalError(connectionID, endpoint string, attempts int, identity *auth.Identity) {
	cm.publish(Notification{
		Type:         NotifyNonFatalConnectionError,
		ConnectionID: connectionID,
		Endpoint:     endpoint,
		Attempts:     attempts,
		Identity:     identity,
	})
}

// Shutdown stops accepting new connections. Idempotent.
func (cm *Manager) Shutdown() {
	select {
	case <-cm.quit:
		return
	default:
		close(cm.quit)
	}
	cm.wg.Wait()
}
