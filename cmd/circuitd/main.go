// Command circuitd runs one node of the circuit-lifecycle mesh: it
// loads configuration, pins or verifies this node's identity, opens
// the configured circuit store, and wires the mesh/connmgr/peer/admin/
// servicehost stack together before accepting connections. Structurally
// grounded in lnd.go's lndMain/main split: a nested "real main" so
// deferred cleanup still runs on a graceful return, plus a top-level
// main that only loads flags and handles process exit codes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/circuitmesh/circuitd/internal/admin"
	"github.com/circuitmesh/circuitd/internal/adminwire"
	"github.com/circuitmesh/circuitd/internal/config"
	"github.com/circuitmesh/circuitd/internal/connmgr"
	"github.com/circuitmesh/circuitd/internal/dispatch"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/mesh"
	"github.com/circuitmesh/circuitd/internal/metrics"
	"github.com/circuitmesh/circuitd/internal/node"
	"github.com/circuitmesh/circuitd/internal/peer"
	"github.com/circuitmesh/circuitd/internal/registry"
	"github.com/circuitmesh/circuitd/internal/routing"
	"github.com/circuitmesh/circuitd/internal/servicehost"
	"github.com/circuitmesh/circuitd/internal/servicehost/echo"
	"github.com/circuitmesh/circuitd/internal/store/sqlstore"
	"github.com/circuitmesh/circuitd/internal/store/yamlstore"
	"github.com/circuitmesh/circuitd/internal/timer"
	"github.com/circuitmesh/circuitd/internal/transport/tcp"
	"github.com/circuitmesh/circuitd/internal/wireproto"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/time/rate"
)

const (
	circuitDispatchWorkers = 4
	circuitDispatchQueue   = 256
	dispatchRateLimit      = 200
	dispatchRateBurst      = 400
)

// daemon holds every long-lived component circuitMain assembles, so
// shutdown can tear them down in the reverse order spec.md §5 names:
// pacemakers, then actors, then worker pools, then the mesh.
type daemon struct {
	cfg *config.Config

	pacemaker  *timer.Pacemaker
	connMgr    *connmgr.Manager
	peerMgr    *peer.Manager
	adminSvc   *admin.Service
	circuitD   *dispatch.Dispatcher
	meshInst   *mesh.Mesh
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func circuitMain() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logging.DaemonLog.Infof("starting circuitd, config: %s", cfg)

	nodeID, err := node.LoadOrCreate(cfg.StateDir, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("resolving node id: %w", err)
	}
	logging.DaemonLog.Infof("node id: %s", nodeID)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening circuit store: %w", err)
	}

	metricsReg := metrics.New()

	d, err := newDaemon(cfg, nodeID, store, metricsReg)
	if err != nil {
		return err
	}
	defer d.shutdown()

	if err := d.start(); err != nil {
		return err
	}

	d.waitForSignal()
	logging.DaemonLog.Info("shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (admin.Store, error) {
	switch cfg.StoreBackend {
	case "sql":
		return sqlstore.Open(cfg.StoreDSN)
	default:
		dir, err := cfg.StorePath("")
		if err != nil {
			return nil, err
		}
		return yamlstore.Open(dir)
	}
}

func newDaemon(cfg *config.Config, nodeID string, store admin.Store, metricsReg *metrics.Registry) (*daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	meshInst := mesh.New()
	reg := registry.New(nodeID)
	routes := routing.New()

	tr := tcp.New(cfg.DialTimeout())

	// A nil AuthPolicyFunc makes connmgr fall back to its own
	// trust-everyone default; circuitd does not yet configure
	// per-endpoint auth policy pinning.
	cm := connmgr.New(tr, meshInst, nil)

	peerMgr := peer.NewManager(cm, peer.RefModeLoose, nodeID)
	peerMgr.SetMetrics(metricsReg)

	notifications := cm.Subscribe()
	go func() {
		for n := range notifications {
			peerMgr.Notify(n)
		}
	}()

	sender := adminwire.NewSender(peerMgr, meshInst)
	adminSvc := admin.NewService(nodeID, store, reg, routes, sender)
	if err := adminSvc.SetMetrics(metricsReg); err != nil {
		cancel()
		return nil, fmt.Errorf("attaching metrics to admin service: %w", err)
	}

	circuitDispatch := dispatch.New(
		"circuit",
		adminwire.DecodeFunc,
		func(connID string) dispatch.MessageSender { return meshInst.NewSender(connID) },
		circuitDispatchWorkers,
		circuitDispatchQueue,
		dispatch.WithRateLimit(rate.Limit(dispatchRateLimit), dispatchRateBurst),
		dispatch.WithMetrics(metricsReg),
	)
	adminwire.RegisterHandlers(circuitDispatch, adminSvc)

	svcRouter := servicehost.NewRouter(routes, peerMgr, meshInst)
	svcRouter.Register(echoServiceID, echo.New(echoServiceID, svcRouter))
	svcRouter.RegisterHandlers(circuitDispatch)

	pacemaker := timer.NewPacemaker()

	var metricsSrv *http.Server
	if cfg.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsEndpoint, Handler: mux}
	}

	return &daemon{
		cfg:        cfg,
		pacemaker:  pacemaker,
		connMgr:    cm,
		peerMgr:    peerMgr,
		adminSvc:   adminSvc,
		circuitD:   circuitDispatch,
		meshInst:   meshInst,
		metricsSrv: metricsSrv,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// echoServiceID is the well-known service id the bundled echo host
// registers under, used by integration tests and manual smoke-testing
// against a running node; an operator's own application services
// register their own ids through the same servicehost.Router.
const echoServiceID = "echo"

func (d *daemon) start() error {
	go d.circuitD.Run(d.ctx)
	go d.demuxMesh()

	for _, ep := range d.cfg.ListenEndpoints {
		if err := d.connMgr.ListenAndAccept(ep); err != nil {
			return fmt.Errorf("listening on %s: %w", ep, err)
		}
		logging.DaemonLog.Infof("listening on %s", ep)
	}

	d.pacemaker.Start(d.cfg.RetryInterval(), d.peerMgr.RetryPending)

	if d.metricsSrv != nil {
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.DaemonLog.Errorf("metrics listener: %v", err)
			}
		}()
		logging.DaemonLog.Infof("serving metrics on %s", d.metricsSrv.Addr)
	}

	return nil
}

// demuxMesh is the step between the mesh's single Recv() stream and
// each message family's Dispatcher: every NetworkMessage is decoded
// far enough to read its outer type tag, then handed to the one
// Dispatcher registered for that family. Only TypeCircuit has a
// Dispatcher; every other type (TypeNetworkHeartbeat, TypeNetworkEcho,
// and any other) is dropped here.
func (d *daemon) demuxMesh() {
	for {
		env, ok := d.meshInst.Recv()
		if !ok {
			return
		}
		netMsg, err := wireproto.DecodeNetworkMessage(env.Payload)
		if err != nil {
			logging.DaemonLog.Warnf("decoding network message from %s: %v", env.ConnectionID, err)
			continue
		}
		switch netMsg.Type {
		case wireproto.TypeCircuit:
			if err := d.circuitD.Dispatch(env.ConnectionID, netMsg.Payload); err != nil {
				logging.DaemonLog.Warnf("dispatching circuit message from %s: %v", env.ConnectionID, err)
			}
		default:
			// no handler for this message family; dropped.
		}
	}
}

// waitForSignal blocks until a shutdown signal arrives, then begins
// graceful shutdown. A second interrupt while that shutdown is still
// in progress forces an immediate process exit rather than waiting on
// whatever is stuck, per spec.md §5 "Cancellation".
func (d *daemon) waitForSignal() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	logging.DaemonLog.Info("received shutdown signal, beginning graceful shutdown")

	done := make(chan struct{})
	go func() {
		d.shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		logging.DaemonLog.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}
}

// shutdown tears components down pacemakers -> actors -> worker pools
// -> mesh, the order spec.md §5 specifies, and is idempotent so both
// a deferred call and an explicit waitForSignal call may run it.
func (d *daemon) shutdown() {
	d.pacemaker.Stop()
	d.peerMgr.Shutdown()
	d.connMgr.Shutdown()
	d.adminSvc.Shutdown()
	d.circuitD.Stop()
	d.meshInst.Shutdown()
	d.cancel()
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Close()
	}
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := circuitMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
