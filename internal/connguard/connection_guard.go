// Package connguard blocks remotes that keep tying up request slots without
// completing a request.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Failure reasons reported by the request layer.
const (
	ReasonIdleTimeout    = "idle_timeout"
	ReasonHeaderOverflow = "header_overflow"
)

// ConnectionGuardConfig controls how failures turn into blocks.
type ConnectionGuardConfig struct {
	// Enabled toggles guard enforcement.
	Enabled bool `yaml:"enabled"`
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a remote.
	FailureThreshold int `yaml:"failure_threshold"`
	// FailureWindow defines the period for counting failures.
	FailureWindow time.Duration `yaml:"failure_window"`
	// BlockDuration is how long a blocked remote stays blocked.
	BlockDuration time.Duration `yaml:"block_duration"`
}

type connectionEvent struct {
	failures     []time.Time
	blockedUntil time.Time
}

// ConnectionGuard stores per-remote failure state and can wrap a listener so
// blocked remotes are refused at accept time, before admission.
type ConnectionGuard struct {
	cfg     ConnectionGuardConfig
	logger  pslog.Logger
	metrics *guardMetrics
	mu      sync.Mutex
	now     func() time.Time
	events  map[string]*connectionEvent
}

// NewConnectionGuard constructs a connection guard with supplied config.
func NewConnectionGuard(cfg ConnectionGuardConfig, logger pslog.Logger) *ConnectionGuard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	logger = svcfields.WithSubsystem(logger, svcfields.SysConnguard)
	g := &ConnectionGuard{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		events: make(map[string]*connectionEvent),
	}
	g.metrics = newGuardMetrics(logger, g.blockedCount)
	return g
}

// Config returns the effective configuration.
func (g *ConnectionGuard) Config() ConnectionGuardConfig {
	if g == nil {
		return ConnectionGuardConfig{}
	}
	return g.cfg
}

// WrapListener returns a listener that closes connections from blocked
// remotes as soon as they are accepted.
func (g *ConnectionGuard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// RecordFailure records a failure for remote and reports whether the remote
// is now blocked.
func (g *ConnectionGuard) RecordFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	return g.classifyFailure(remote, reason)
}

// Blocked reports whether remote is currently blocked.
func (g *ConnectionGuard) Blocked(remote string) bool {
	return g.isBlocked(remote)
}

func (g *ConnectionGuard) classifyFailure(remote string, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil {
		state = &connectionEvent{}
		g.events[remote] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	g.metrics.recordFailure(reason)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("heapgate.connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.metrics.recordBlock()
	g.logger.Warn("heapgate.connguard.blocked",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

func (g *ConnectionGuard) isBlocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("heapgate.connguard.released", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.events, remote)
	}
	return false
}

func (g *ConnectionGuard) blockedCount() int64 {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, state := range g.events {
		if state.blockedUntil.After(now) {
			n++
		}
	}
	return n
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *ConnectionGuard
}

// Accept drops connections from blocked remotes before they reach admission.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		if !l.guard.isBlocked(remote) {
			return conn, nil
		}
		l.guard.metrics.recordRejected()
		l.guard.logger.Debug("heapgate.connguard.rejected", "remote", remote, "reason", "blocked")
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}
