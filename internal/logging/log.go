// Package logging centralizes the btclog backend and per-subsystem
// loggers used throughout circuitd, following the lnd convention of one
// logger per package wired up in a single place at daemon startup.
package logging

import (
	"os"

	"github.com/btcsuite/btclog"
)

// backendLog is the slog-style backend every subsystem logger writes
// through. Everything logs to stdout, so package-level var
// initialization never needs a nil check.
var backendLog = btclog.NewBackend(os.Stdout)

// Subsystem tags, mirroring lnd's SRVR/PEER/RPCS-style short codes.
const (
	SubsystemMesh        = "MESH"
	SubsystemConn        = "CONN"
	SubsystemPeer        = "PEER"
	SubsystemAuth        = "AUTH"
	SubsystemAdmin       = "ADMN"
	SubsystemRouting     = "RTNG"
	SubsystemDispatch    = "DISP"
	SubsystemStore       = "STOR"
	SubsystemTimer       = "TMER"
	SubsystemDaemon      = "CTLD"
	SubsystemServiceHost = "SVCH"
)

var (
	MeshLog        = backendLog.Logger(SubsystemMesh)
	ConnLog        = backendLog.Logger(SubsystemConn)
	PeerLog        = backendLog.Logger(SubsystemPeer)
	AuthLog        = backendLog.Logger(SubsystemAuth)
	AdminLog       = backendLog.Logger(SubsystemAdmin)
	RoutingLog     = backendLog.Logger(SubsystemRouting)
	DispatchLog    = backendLog.Logger(SubsystemDispatch)
	StoreLog       = backendLog.Logger(SubsystemStore)
	TimerLog       = backendLog.Logger(SubsystemTimer)
	DaemonLog      = backendLog.Logger(SubsystemDaemon)
	ServiceHostLog = backendLog.Logger(SubsystemServiceHost)
)

func init() {
	MeshLog.SetLevel(btclog.LevelInfo)
	ConnLog.SetLevel(btclog.LevelInfo)
	PeerLog.SetLevel(btclog.LevelInfo)
	AuthLog.SetLevel(btclog.LevelInfo)
	AdminLog.SetLevel(btclog.LevelInfo)
	RoutingLog.SetLevel(btclog.LevelInfo)
	DispatchLog.SetLevel(btclog.LevelInfo)
	StoreLog.SetLevel(btclog.LevelInfo)
	TimerLog.SetLevel(btclog.LevelInfo)
	DaemonLog.SetLevel(btclog.LevelInfo)
	ServiceHostLog.SetLevel(btclog.LevelInfo)
}

// SetLevel sets every subsystem logger to the same level. An
// unrecognized level string leaves the levels unchanged.
func SetLevel(level string) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return
	}
	for _, l := range []btclog.Logger{
		MeshLog, ConnLog, PeerLog, AuthLog, AdminLog, RoutingLog,
		DispatchLog, StoreLog, TimerLog, DaemonLog, ServiceHostLog,
	} {
		l.SetLevel(lvl)
	}
}
