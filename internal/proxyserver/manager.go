// Package proxyserver owns the single proxy listener and its hot restart.
package proxyserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of the proxy listener.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateRestarting State = "restarting"
)

// DefaultDrainTimeout bounds how long a stop waits for in-flight requests.
const DefaultDrainTimeout = 5 * time.Second

// ErrAlreadyRunning is returned by Start when the listener is up.
var ErrAlreadyRunning = errors.New("proxy: already running")

// Status is a point-in-time view of the proxy.
type Status struct {
	State         State  `json:"state"`
	IsRunning     bool   `json:"isRunning"`
	Addr          string `json:"addr"`
	StartedAt     *int64 `json:"startedAt"` // Unix milliseconds.
	TotalRequests uint64 `json:"totalRequests"`
	LastError     string `json:"lastError,omitempty"`
}

// Options tunes a Manager.
type Options struct {
	DrainTimeout time.Duration
	// Listen opens the listener; defaults to net.Listen.
	Listen func(network, addr string) (net.Listener, error)
	// OnChange runs after every state transition with the new status.
	OnChange func(Status)
	NowFn    func() time.Time
}

// Manager runs the proxy handler on one listener and restarts it on a new address atomically.
type Manager struct {
	handler      http.Handler
	drainTimeout time.Duration
	listen       func(network, addr string) (net.Listener, error)
	onChange     func(Status)
	nowFn        func() time.Time

	mu     sync.Mutex // held across whole transitions
	cfg    Config
	srv    *http.Server
	served chan struct{}

	statusMu sync.RWMutex
	status   Status

	requests atomic.Uint64
}

// NewManager constructs a stopped manager serving handler.
func NewManager(handler http.Handler, opts Options) *Manager {
	m := &Manager{
		handler:      handler,
		drainTimeout: opts.DrainTimeout,
		listen:       opts.Listen,
		onChange:     opts.OnChange,
		nowFn:        opts.NowFn,
		status:       Status{State: StateStopped},
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = DefaultDrainTimeout
	}
	if m.listen == nil {
		m.listen = net.Listen
	}
	if m.nowFn == nil {
		m.nowFn = time.Now
	}
	return m
}

// Start binds cfg and begins serving. A bind failure leaves the manager stopped with LastError set.
func (m *Manager) Start(cfg Config) error {
	if errValidate := cfg.Validate(); errValidate != nil {
		return errValidate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv != nil {
		return ErrAlreadyRunning
	}
	m.setState(StateStarting, "")
	return m.startLocked(cfg)
}

// Stop closes the listener and drains in-flight requests up to the drain timeout.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv == nil {
		return nil
	}
	m.setState(StateStopping, "")
	errStop := m.stopLocked(ctx)
	m.setStopped("")
	return errStop
}

// Restart stops the current listener, if any, and binds cfg.
// cfg is validated before anything is torn down.
func (m *Manager) Restart(ctx context.Context, cfg Config) error {
	if errValidate := cfg.Validate(); errValidate != nil {
		return errValidate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv != nil {
		m.setState(StateRestarting, "")
		if errStop := m.stopLocked(ctx); errStop != nil {
			log.WithError(errStop).Warn("proxy: previous listener did not drain cleanly")
		}
	} else {
		m.setState(StateStarting, "")
	}
	return m.startLocked(cfg)
}

// Status returns the current status snapshot.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	out := m.status
	out.TotalRequests = m.requests.Load()
	if out.StartedAt != nil {
		startedAt := *out.StartedAt
		out.StartedAt = &startedAt
	}
	return out
}

// Config returns the last configuration the manager attempted to bind.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) startLocked(cfg Config) error {
	m.cfg = cfg
	addr := cfg.Addr()
	ln, errListen := m.listen("tcp", addr)
	if errListen != nil {
		bindErr := &BindError{Addr: addr, Err: errListen}
		m.setBindFailed(addr, bindErr.Error())
		log.WithError(errListen).Errorf("proxy: failed to bind %s", addr)
		return bindErr
	}

	srv := &http.Server{
		Handler:           m.countRequests(m.handler),
		ReadHeaderTimeout: 30 * time.Second,
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if errServe := srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.WithError(errServe).Error("proxy: serve exited")
		}
	}()
	m.srv = srv
	m.served = served
	m.requests.Store(0)

	startedAt := m.nowFn().UnixMilli()
	m.statusMu.Lock()
	m.status = Status{
		State:     StateRunning,
		IsRunning: true,
		Addr:      ln.Addr().String(),
		StartedAt: &startedAt,
	}
	m.statusMu.Unlock()
	log.Infof("proxy: listening on %s", ln.Addr().String())
	m.notify()
	return nil
}

// stopLocked shuts the server down. Requests still running after the drain timeout are abandoned.
func (m *Manager) stopLocked(ctx context.Context) error {
	srv, served := m.srv, m.served
	m.srv, m.served = nil, nil
	if ctx == nil {
		ctx = context.Background()
	}
	drainCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	errShutdown := srv.Shutdown(drainCtx)
	<-served
	if errShutdown != nil {
		if errors.Is(errShutdown, context.DeadlineExceeded) || errors.Is(errShutdown, context.Canceled) {
			log.Warnf("proxy: drain timeout after %s, abandoning in-flight requests", m.drainTimeout)
			return nil
		}
		return fmt.Errorf("proxy: shutdown: %w", errShutdown)
	}
	return nil
}

func (m *Manager) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) setState(state State, lastError string) {
	m.statusMu.Lock()
	m.status.State = state
	if lastError != "" {
		m.status.LastError = lastError
	}
	m.statusMu.Unlock()
	m.notify()
}

func (m *Manager) setStopped(lastError string) {
	m.statusMu.Lock()
	m.status.State = StateStopped
	m.status.IsRunning = false
	m.status.StartedAt = nil
	if lastError != "" {
		m.status.LastError = lastError
	}
	m.statusMu.Unlock()
	m.notify()
}

// setBindFailed records a stopped status that points at the address that could not be bound.
func (m *Manager) setBindFailed(addr, lastError string) {
	m.statusMu.Lock()
	m.status.State = StateStopped
	m.status.IsRunning = false
	m.status.StartedAt = nil
	m.status.Addr = addr
	m.status.LastError = lastError
	m.statusMu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.Status())
}
