package manager

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cvsouth/snowflake-tor/cell"
	"github.com/cvsouth/snowflake-tor/circuit"
	"github.com/cvsouth/snowflake-tor/clock"
	"github.com/cvsouth/snowflake-tor/link"
	"github.com/cvsouth/snowflake-tor/stream"
)

// fakeCircuit returns a *circuit.Built that Destroy()s cleanly (it writes a
// DESTROY cell into io.Discard) but never touches a real network
// connection, so tests can dispose of it freely.
func fakeCircuit(id uint32) *circuit.Built {
	return &circuit.Built{
		Circuit: &circuit.Circuit{
			ID:   id,
			Link: &link.Link{Writer: cell.NewWriter(io.Discard)},
		},
	}
}

func newTestManager(t *testing.T, build BuildFunc, buffer int) (*Manager, *clock.Virtual) {
	t.Helper()
	vc := clock.NewVirtual(time.Now())
	m := New(build, Config{
		CircuitBuffer:      buffer,
		CircuitTimeout:     time.Second,
		MaxCircuitLifetime: time.Hour,
		IdleTimeout:        time.Hour,
		Clock:              vc,
	})
	go m.Run()
	t.Cleanup(func() { _ = m.Close() })
	return m, vc
}

func TestUseCircuitBuildsAndBindsOnFirstRequest(t *testing.T) {
	var nextID uint32
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(atomic.AddUint32(&nextID, 1)), nil
	}
	m, _ := newTestManager(t, build, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var sawTable *stream.Table
	err := m.UseCircuit(ctx, "example.com:443", 443, func(c *circuit.Circuit, tbl *stream.Table) error {
		sawTable = tbl
		return nil
	})
	if err != nil {
		t.Fatalf("UseCircuit: %v", err)
	}
	if sawTable == nil {
		t.Fatal("expected a non-nil stream table to be passed to f")
	}
}

func TestUseCircuitReusesBindingForSameHost(t *testing.T) {
	var nextID uint32
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(atomic.AddUint32(&nextID, 1)), nil
	}
	m, _ := newTestManager(t, build, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var firstID, secondID uint32
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		firstID = c.ID
		return nil
	}); err != nil {
		t.Fatalf("first UseCircuit: %v", err)
	}
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		secondID = c.ID
		return nil
	}); err != nil {
		t.Fatalf("second UseCircuit: %v", err)
	}
	if firstID != secondID {
		t.Fatalf("expected the same circuit to be reused for the same host, got %d then %d", firstID, secondID)
	}
}

func TestUseCircuitDifferentHostsGetDifferentCircuits(t *testing.T) {
	var nextID uint32
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(atomic.AddUint32(&nextID, 1)), nil
	}
	m, _ := newTestManager(t, build, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var idA, idB uint32
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		idA = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit a: %v", err)
	}
	if err := m.UseCircuit(ctx, "b.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		idB = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit b: %v", err)
	}
	if idA == idB {
		t.Fatalf("expected distinct circuits for distinct hosts, both got %d", idA)
	}
}

func TestWaitForCircuitReadyFailsWithZeroBufferAndNoPending(t *testing.T) {
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(1), nil
	}
	m, _ := newTestManager(t, build, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.WaitForCircuitReady(ctx); err == nil {
		t.Fatal("expected ErrNoCreationConfigured with CircuitBuffer=0 and nothing pending")
	}
}

func TestWaitForCircuitReadySucceedsOnceBuilt(t *testing.T) {
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(1), nil
	}
	m, _ := newTestManager(t, build, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.WaitForCircuitReady(ctx); err != nil {
		t.Fatalf("WaitForCircuitReady: %v", err)
	}
}

func TestClearCircuitDisposesOnlyNamedHost(t *testing.T) {
	var nextID uint32
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(atomic.AddUint32(&nextID, 1)), nil
	}
	m, _ := newTestManager(t, build, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var idB uint32
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error { return nil }); err != nil {
		t.Fatalf("UseCircuit a: %v", err)
	}
	if err := m.UseCircuit(ctx, "b.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		idB = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit b: %v", err)
	}

	m.ClearCircuit("a.example:443")

	// b's binding must survive untouched.
	var idBAgain uint32
	if err := m.UseCircuit(ctx, "b.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		idBAgain = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit for b after clearing a: %v", err)
	}
	if idBAgain != idB {
		t.Fatalf("clearing a.example should not disturb b.example's binding: got %d, want %d", idBAgain, idB)
	}
}

func TestUseCircuitSurfacesBuildFailure(t *testing.T) {
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return nil, io.ErrClosedPipe
	}
	m, _ := newTestManager(t, build, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error { return nil }); err == nil {
		t.Fatal("expected UseCircuit to surface a build failure")
	}
}

// waitForStats polls Stats until pred holds or the deadline passes. The
// virtual clock fires AfterFunc callbacks on their own goroutine (so a
// rotation triggered by Advance doesn't land on the manager's loop
// synchronously); polling is how a real caller would observe the effect
// too, just compressed to virtual time for everything else.
func waitForStats(t *testing.T, m *Manager, pred func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := m.Stats()
		if pred(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for stats condition, last stats: %+v", s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRotationReplacesCircuitBeforeDisposal(t *testing.T) {
	var nextID uint32
	build := func(ctx context.Context, destPort uint16) (*circuit.Built, error) {
		return fakeCircuit(atomic.AddUint32(&nextID, 1)), nil
	}

	vc := clock.NewVirtual(time.Now())
	m := New(build, Config{
		CircuitBuffer:      1,
		CircuitTimeout:     time.Second,
		MaxCircuitLifetime: time.Second, // grace window = 100ms (spec.md §8 scenario 5)
		IdleTimeout:        time.Hour,
		Clock:              vc,
	})
	go m.Run()
	t.Cleanup(func() { _ = m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var boundID uint32
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		boundID = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit: %v", err)
	}

	// t=900ms: rotation should mark the bound circuit updating and start a
	// replacement build, but not dispose it yet — an in-flight use must
	// still complete on the original circuit. The replacement build is
	// effectively instant here, so wait for its result to land in the
	// buffer rather than trying to catch the in-flight "Building" count.
	vc.Advance(900 * time.Millisecond)
	waitForStats(t, m, func(s Stats) bool { return s.Buffered > 0 })

	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		if c.ID != boundID {
			t.Fatalf("in-flight request at t=900ms used circuit %d, want the original %d", c.ID, boundID)
		}
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit at t=900ms (pre-disposal): %v", err)
	}

	// t=1000ms: the original circuit is disposed; the host binding is
	// cleared and the next request must get a different circuit.
	vc.Advance(100 * time.Millisecond)
	waitForStats(t, m, func(s Stats) bool { return s.Bound == 0 })

	var boundAfterRotation uint32
	if err := m.UseCircuit(ctx, "a.example:443", 443, func(c *circuit.Circuit, _ *stream.Table) error {
		boundAfterRotation = c.ID
		return nil
	}); err != nil {
		t.Fatalf("UseCircuit after rotation: %v", err)
	}
	if boundAfterRotation == boundID {
		t.Fatalf("expected a.example to be bound to a new circuit after rotation, still got %d", boundID)
	}
}
