// Package manager implements the circuit manager: the central orchestrator
// that keeps a buffer of pre-built circuits warm, binds them to requesting
// hosts, rotates them before they age out, and holds off new builds with
// exponential backoff after a build fails (spec.md §4.8). A failed build is
// not retried automatically.
//
// All mutable state — the buffer, the host-binding map, in-flight build
// count, and backoff — belongs to exactly one goroutine, reached only
// through a command channel. This mirrors circuit.Dispatcher's single
// reader goroutine and the spec's explicit steer away from mutex-guarded
// shared state toward message passing.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/snowflake-tor/circuit"
	"github.com/cvsouth/snowflake-tor/clock"
	"github.com/cvsouth/snowflake-tor/errs"
	"github.com/cvsouth/snowflake-tor/stream"
)

// graceWindowFor returns how far ahead of MaxCircuitLifetime the manager
// starts a replacement build, so a fresh circuit is usually ready before
// the old one is disposed (spec.md §4.8, step 4; §8 scenario 5: a 1000ms
// lifetime rotates at 900ms, i.e. a 10% grace window — a fixed window
// would either be pointless at production lifetimes or negative at small
// test ones, so it scales with the configured lifetime instead).
func graceWindowFor(lifetime time.Duration) time.Duration {
	return lifetime / 10
}

// BuildFunc builds a brand-new 3-hop circuit for a request bound for
// destPort (0 for a directory-only/generic circuit). The manager never
// dials or selects a path itself; that's the circuit package's job.
type BuildFunc func(ctx context.Context, destPort uint16) (*circuit.Built, error)

// Config collects everything a Manager needs beyond the BuildFunc.
type Config struct {
	CircuitBuffer      int
	CircuitTimeout     time.Duration
	MaxCircuitLifetime time.Duration
	IdleTimeout        time.Duration
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Manager is the circuit manager described by spec.md §4.8.
type Manager struct {
	build  BuildFunc
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	cmds   chan func()
	done   chan struct{}
	closed bool

	buffered  []*managedCircuit
	hostMap   map[string]*managedCircuit
	building  int
	waiters   []chan error
	bo        *backoff
	backoffAt time.Time // zero unless a build is currently delayed by backoff
}

// managedCircuit is one circuit under the manager's care, plus the
// bookkeeping needed to rotate, dispose, and rebind it.
type managedCircuit struct {
	circ  *circuit.Circuit
	built *circuit.Built
	table *stream.Table

	createdAt  time.Time
	lastUsed   time.Time
	boundHost  string
	isUpdating bool
	disposed   bool

	rotationTimer clock.Timer
	idleTimer     clock.Timer
}

// New creates a Manager. Call Run in a goroutine before issuing any
// requests.
func New(build BuildFunc, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Manager{
		build:   build,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		cmds:    make(chan func(), 16),
		done:    make(chan struct{}),
		hostMap: make(map[string]*managedCircuit),
		bo:      newBackoff(),
	}
}

// Run executes the manager's command loop until Close is called. Callers
// run this in its own goroutine.
func (m *Manager) Run() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.done:
			return
		}
	}
}

// Close tears down every circuit the manager holds (buffered and bound)
// and stops the command loop. Calls after the first return nil.
func (m *Manager) Close() error {
	reply := make(chan bool, 1)
	select {
	case m.cmds <- func() {
		if m.closed {
			reply <- false
			return
		}
		m.closed = true
		for _, mc := range m.buffered {
			m.disposeLocked(mc)
		}
		for _, mc := range m.hostMap {
			m.disposeLocked(mc)
		}
		reply <- true
	}:
		select {
		case first := <-reply:
			if !first {
				return nil
			}
		case <-m.done:
			return nil
		}
	case <-m.done:
		return nil
	}
	close(m.done)
	return nil
}

// UseCircuit implements use_circuit(host, f) (spec.md §4.8): binds host to
// a circuit (reusing an existing binding, claiming a buffered circuit, or
// waiting on/starting a build) and invokes f with that circuit and its
// per-circuit stream table. The binding is not pinned while f runs: the
// circuit's lifetime expiry, ClearCircuit or Close can unbind and destroy
// it before f returns.
func (m *Manager) UseCircuit(ctx context.Context, host string, destPort uint16, f func(*circuit.Circuit, *stream.Table) error) error {
	mc, err := m.acquire(ctx, host, destPort)
	if err != nil {
		return err
	}
	return f(mc.circ, mc.table)
}

type acquireResult struct {
	mc  *managedCircuit
	err error
}

// acquire resolves host to a managedCircuit per steps 1-3 of spec.md §4.8.
func (m *Manager) acquire(ctx context.Context, host string, destPort uint16) (*managedCircuit, error) {
	reply := make(chan acquireResult, 1)
	m.submit(func() {
		if mc, ok := m.hostMap[host]; ok && !mc.disposed {
			mc.lastUsed = m.clock.Now()
			reply <- acquireResult{mc: mc}
			return
		}
		if len(m.buffered) > 0 {
			mc := m.buffered[0]
			m.buffered = m.buffered[1:]
			m.bindLocked(host, mc)
			m.maybeStartBuildLocked(destPort)
			reply <- acquireResult{mc: mc}
			return
		}
		m.awaitBuildLocked(destPort, host, reply)
	})

	select {
	case res := <-reply:
		return res.mc, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("use_circuit: %w", ctx.Err())
	}
}

// WaitForCircuitReady implements wait_for_circuit_ready() (spec.md §4.8):
// succeeds immediately if the buffer is non-empty, otherwise waits for any
// in-flight build, otherwise starts a build and waits for it. It fails with
// ErrNoCreationConfigured only when nothing is buffered or building and
// CircuitBuffer is 0.
func (m *Manager) WaitForCircuitReady(ctx context.Context) error {
	reply := make(chan error, 1)
	m.submit(func() {
		if len(m.buffered) > 0 {
			reply <- nil
			return
		}
		if m.building > 0 {
			m.waiters = append(m.waiters, reply)
			return
		}
		if m.cfg.CircuitBuffer == 0 {
			reply <- fmt.Errorf("%w", errs.ErrNoCreationConfigured)
			return
		}
		m.startBuildLocked(0)
		m.waiters = append(m.waiters, reply)
	})

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait_for_circuit_ready: %w", ctx.Err())
	}
}

// Stats is a point-in-time snapshot of the manager's state, for
// get_circuit_state() (spec.md §6). Like any snapshot of state owned by
// another goroutine, it may be stale by the time the caller reads it.
type Stats struct {
	Buffered int
	Building int
	Bound    int
}

// Stats returns a snapshot of the manager's current buffer/build/binding
// counts.
func (m *Manager) Stats() Stats {
	reply := make(chan Stats, 1)
	m.submit(func() {
		reply <- Stats{Buffered: len(m.buffered), Building: m.building, Bound: len(m.hostMap)}
	})
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return Stats{}
	}
}

// ClearCircuit implements clear_circuit(host): unbinds host and disposes
// its circuit only, leaving every other binding and the buffer untouched.
func (m *Manager) ClearCircuit(host string) {
	reply := make(chan struct{})
	m.submit(func() {
		if mc, ok := m.hostMap[host]; ok {
			delete(m.hostMap, host)
			m.disposeLocked(mc)
		}
		close(reply)
	})
	<-reply
}

// submit enqueues fn to run on the manager's single loop goroutine and
// returns immediately; it does not wait for fn to execute.
func (m *Manager) submit(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Manager) bindLocked(host string, mc *managedCircuit) {
	mc.boundHost = host
	mc.lastUsed = m.clock.Now()
	m.hostMap[host] = mc
	m.stopIdleTimerLocked(mc)
}

// maybeStartBuildLocked tops the buffer back up to CircuitBuffer after a
// circuit was claimed from it, so the buffer stays warm for the next
// request (spec.md §4.8 implies replacement-before-disposal; the same
// principle applies to buffer depletion).
func (m *Manager) maybeStartBuildLocked(destPort uint16) {
	if len(m.buffered)+m.building < m.cfg.CircuitBuffer {
		m.startBuildLocked(destPort)
	}
}

// awaitBuildLocked implements step 3: join an in-flight build if one
// exists and there's room under CircuitBuffer, else start one; the result
// both binds to host and (if other requests are also waiting) tops up the
// waiter queue used by WaitForCircuitReady.
func (m *Manager) awaitBuildLocked(destPort uint16, host string, reply chan acquireResult) {
	if m.building == 0 {
		if !m.backoffAt.IsZero() && m.clock.Now().Before(m.backoffAt) {
			reply <- acquireResult{err: fmt.Errorf("%w", errs.ErrBackoffInEffect)}
			return
		}
		m.startBuildLocked(destPort)
	}
	waiter := make(chan error, 1)
	m.waiters = append(m.waiters, waiter)
	go func() {
		err := <-waiter
		if err != nil {
			reply <- acquireResult{err: err}
			return
		}
		// A build completed; claim whatever landed in the buffer for this host.
		claimed := make(chan acquireResult, 1)
		m.submit(func() {
			if len(m.buffered) == 0 {
				claimed <- acquireResult{err: fmt.Errorf("%w: buffer empty after signaled build", errs.ErrAllAttemptsExhausted)}
				return
			}
			mc := m.buffered[0]
			m.buffered = m.buffered[1:]
			m.bindLocked(host, mc)
			claimed <- acquireResult{mc: mc}
		})
		reply <- <-claimed
	}()
}

// startBuildLocked launches one asynchronous circuit build. Its result is
// delivered back into the loop via submit, so buffer/waiter mutation still
// happens only on the loop goroutine.
func (m *Manager) startBuildLocked(destPort uint16) {
	m.building++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CircuitTimeout)
		defer cancel()
		built, err := m.build(ctx, destPort)
		m.submit(func() { m.onBuildResultLocked(built, err) })
	}()
}

func (m *Manager) onBuildResultLocked(built *circuit.Built, err error) {
	m.building--
	if err != nil {
		m.logger.Warn("circuit build failed", "error", err)
		m.backoffAt = m.clock.Now().Add(m.bo.next())
		m.failWaitersLocked(err)
		return
	}
	m.bo.reset()
	m.backoffAt = time.Time{}

	mc := &managedCircuit{
		circ:      built.Circuit,
		built:     built,
		table:     stream.NewTable(),
		createdAt: m.clock.Now(),
		lastUsed:  m.clock.Now(),
	}
	m.scheduleRotationLocked(mc)
	m.startIdleTimerLocked(mc)
	m.buffered = append(m.buffered, mc)
	m.logger.Info("circuit ready", "circID", fmt.Sprintf("0x%08x", mc.circ.ID))
	m.wakeOneWaiterLocked()
}

func (m *Manager) failWaitersLocked(err error) {
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	w <- err
}

func (m *Manager) wakeOneWaiterLocked() {
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	w <- nil
}

// scheduleRotationLocked arms the rotation and lifetime timers for mc
// (spec.md §4.8, step 4): at createdAt+maxLifetime-grace, a replacement
// build starts; at createdAt+maxLifetime, mc is disposed.
func (m *Manager) scheduleRotationLocked(mc *managedCircuit) {
	lifetime := m.cfg.MaxCircuitLifetime
	rotateIn := lifetime - graceWindowFor(lifetime)
	if rotateIn < 0 {
		rotateIn = 0
	}
	mc.rotationTimer = m.clock.AfterFunc(rotateIn, func() {
		m.submit(func() { m.onRotationFiredLocked(mc) })
	})
}

func (m *Manager) onRotationFiredLocked(mc *managedCircuit) {
	if mc.disposed || mc.isUpdating {
		return
	}
	mc.isUpdating = true
	m.startBuildLocked(0)
	mc.idleTimer = m.clock.AfterFunc(graceWindowFor(m.cfg.MaxCircuitLifetime), func() {
		m.submit(func() { m.disposeLocked(mc) })
	})
}

// startIdleTimerLocked arms disposal of an unbound buffered circuit after
// IdleTimeout without its lastUsed advancing (spec.md §4.8, step 5).
func (m *Manager) startIdleTimerLocked(mc *managedCircuit) {
	mc.idleTimer = m.clock.AfterFunc(m.cfg.IdleTimeout, func() {
		m.submit(func() {
			if mc.boundHost == "" && !mc.disposed {
				m.removeFromBufferLocked(mc)
				m.disposeLocked(mc)
			}
		})
	})
}

func (m *Manager) stopIdleTimerLocked(mc *managedCircuit) {
	if mc.idleTimer != nil {
		mc.idleTimer.Stop()
		mc.idleTimer = nil
	}
}

func (m *Manager) removeFromBufferLocked(mc *managedCircuit) {
	for i, b := range m.buffered {
		if b == mc {
			m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
			return
		}
	}
}

func (m *Manager) disposeLocked(mc *managedCircuit) {
	if mc.disposed {
		return
	}
	mc.disposed = true
	if mc.rotationTimer != nil {
		mc.rotationTimer.Stop()
	}
	if mc.idleTimer != nil {
		mc.idleTimer.Stop()
	}
	if mc.boundHost != "" {
		if m.hostMap[mc.boundHost] == mc {
			delete(m.hostMap, mc.boundHost)
		}
	}
	if err := mc.circ.Destroy(); err != nil {
		m.logger.Debug("circuit destroy on dispose", "error", err)
	}
	if mc.built != nil && mc.built.Link != nil {
		_ = mc.built.Link.Close()
	}
}
