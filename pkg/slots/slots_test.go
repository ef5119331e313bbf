package slots

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func zeroHeap() uint64 { return 0 }

// ============ Admission Control ============

func TestAcquire_ImmediateBelowCapacity(t *testing.T) {
	m := New(WithFixedCapacity(2))

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	s2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if got := m.Stats().Active; got != 2 {
		t.Errorf("active = %d, want 2", got)
	}

	m.Release(s1)
	m.Release(s2)

	if got := m.Stats().Active; got != 0 {
		t.Errorf("active after release = %d, want 0", got)
	}
}

func TestAcquire_BlocksAtCapacity(t *testing.T) {
	m := New(WithFixedCapacity(1))

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Slot, 1)
	go func() {
		s, err := m.Acquire(context.Background())
		if err != nil {
			return
		}
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(s1)

	select {
	case s2 := <-acquired:
		m.Release(s2)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	m := New(WithFixedCapacity(1))

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool { return m.Stats().Waiting == 1 })

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Errorf("acquire error = %v, want context.Canceled", err)
	}
	if got := m.Stats().Waiting; got != 0 {
		t.Errorf("waiting after cancel = %d, want 0", got)
	}

	m.Release(s1)
	if got := m.Stats().Active; got != 0 {
		t.Errorf("active = %d, want 0", got)
	}

	// Bookkeeping must still be intact.
	s2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	m.Release(s2)
}

func TestAcquire_InvariantNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	const workers = 20

	m := New(WithFixedCapacity(capacity))

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := inflight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			m.Release(s)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > capacity {
		t.Errorf("peak in-flight = %d, exceeds capacity %d", got, capacity)
	}
	if got := m.Stats().Active; got != 0 {
		t.Errorf("active after run = %d, want 0", got)
	}
}

func TestAcquire_FIFOOrder(t *testing.T) {
	m := New(WithFixedCapacity(1))

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			s, err := m.Acquire(context.Background())
			if err != nil {
				return
			}
			order <- i
			m.Release(s)
		}()
		waitFor(t, time.Second, func() bool { return m.Stats().Waiting == i+1 })
	}

	m.Release(s1)

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("waiter %d served out of order, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
}

// ============ Latency Feedback ============

func TestReportLatency_BaselineSetOnce(t *testing.T) {
	m := New(WithInitialCapacity(1), WithMemProbe(zeroHeap))

	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release(s)

	for i := 0; i < 3; i++ {
		m.ReportLatency(s, 100*time.Millisecond)
	}
	if got := m.Stats().Baseline; got != 100*time.Millisecond {
		t.Fatalf("baseline = %v, want 100ms", got)
	}

	// Later samples move the average but never the baseline.
	for i := 0; i < 5; i++ {
		m.ReportLatency(s, 500*time.Millisecond)
	}
	st := m.Stats()
	if st.Baseline != 100*time.Millisecond {
		t.Errorf("baseline moved to %v after more samples", st.Baseline)
	}
	if st.AvgLatency <= 100*time.Millisecond {
		t.Errorf("average = %v, expected it to rise above 100ms", st.AvgLatency)
	}
	if st.ItemsProcessed != 8 {
		t.Errorf("items processed = %d, want 8", st.ItemsProcessed)
	}
}

// ============ Auto-Scaling ============

// reportBaseline feeds three identical samples so the baseline freezes at d.
func reportBaseline(t *testing.T, m *Manager, s *Slot, d time.Duration) {
	t.Helper()
	for i := 0; i < 3; i++ {
		m.ReportLatency(s, d)
	}
	if got := m.Stats().Baseline; got != d {
		t.Fatalf("baseline = %v, want %v", got, d)
	}
}

func TestAdjust_ScaleUpWhenFast(t *testing.T) {
	m := New(WithInitialCapacity(2), WithMaxCapacity(4), WithMemProbe(zeroHeap))

	s, _ := m.Acquire(context.Background())
	defer m.Release(s)
	reportBaseline(t, m, s, 100*time.Millisecond)

	adj := m.Adjust()
	if adj.Reason != AdjustScaleUp || adj.To != 3 {
		t.Fatalf("adjust = %+v, want scale up to 3", adj)
	}
	adj = m.Adjust()
	if adj.Reason != AdjustScaleUp || adj.To != 4 {
		t.Fatalf("adjust = %+v, want scale up to 4", adj)
	}

	// Capped at the ceiling.
	adj = m.Adjust()
	if adj.Reason != AdjustNone || adj.To != 4 {
		t.Errorf("adjust at ceiling = %+v, want no change at 4", adj)
	}
}

func TestAdjust_ScaleDownWhenSlow(t *testing.T) {
	m := New(WithInitialCapacity(3), WithMemProbe(zeroHeap))

	s, _ := m.Acquire(context.Background())
	defer m.Release(s)
	reportBaseline(t, m, s, 100*time.Millisecond)

	// One slow sample pushes the average over baseline*2.
	m.ReportLatency(s, time.Second)

	adj := m.Adjust()
	if adj.Reason != AdjustScaleDown || adj.To != 2 {
		t.Fatalf("adjust = %+v, want scale down to 2", adj)
	}
	adj = m.Adjust()
	if adj.Reason != AdjustScaleDown || adj.To != 1 {
		t.Fatalf("adjust = %+v, want scale down to 1", adj)
	}

	// Floored at 1.
	adj = m.Adjust()
	if adj.Reason != AdjustNone || adj.To != 1 {
		t.Errorf("adjust at floor = %+v, want no change at 1", adj)
	}
}

func TestAdjust_NoOscillationInsideBand(t *testing.T) {
	m := New(WithInitialCapacity(2), WithMemProbe(zeroHeap))

	s, _ := m.Acquire(context.Background())
	defer m.Release(s)
	reportBaseline(t, m, s, 100*time.Millisecond)

	// Latency settles at baseline*1.5: squarely inside the hysteresis band.
	var reasons []AdjustReason
	var capacities []int
	for i := 0; i < 50; i++ {
		m.ReportLatency(s, 150*time.Millisecond)
		adj := m.Adjust()
		reasons = append(reasons, adj.Reason)
		capacities = append(capacities, adj.To)
	}

	for i, r := range reasons {
		if r == AdjustScaleDown {
			t.Fatalf("iteration %d scaled down inside the band", i)
		}
	}
	// Once the average converges, capacity must hold steady.
	final := capacities[len(capacities)-1]
	for i := 20; i < len(capacities); i++ {
		if capacities[i] != final {
			t.Fatalf("capacity still moving at iteration %d: %d != %d", i, capacities[i], final)
		}
		if reasons[i] != AdjustNone {
			t.Fatalf("adjustment at iteration %d: %v, want none", i, reasons[i])
		}
	}
}

func TestAdjust_FixedModeIsNoOp(t *testing.T) {
	heap := uint64(0)
	m := New(WithFixedCapacity(3), WithMemProbe(func() uint64 { return heap }))

	s, _ := m.Acquire(context.Background())
	defer m.Release(s)
	reportBaseline(t, m, s, 100*time.Millisecond)

	if adj := m.Adjust(); adj.Reason != AdjustNone || adj.To != 3 {
		t.Errorf("adjust in fixed mode = %+v, want no change at 3", adj)
	}

	// Pinned even under memory pressure.
	heap = 500 << 20
	if adj := m.Adjust(); adj.Reason != AdjustNone || adj.To != 3 {
		t.Errorf("adjust in fixed mode under pressure = %+v, want no change at 3", adj)
	}
}

// ============ Memory Guard ============

func TestAdjust_MemoryGuardForcesCapacityToOne(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(500 << 20)

	m := New(WithInitialCapacity(4), WithMemProbe(func() uint64 { return heap.Load() }))

	s, _ := m.Acquire(context.Background())
	defer m.Release(s)
	reportBaseline(t, m, s, 100*time.Millisecond)

	// Latency says scale up; the guard wins.
	adj := m.Adjust()
	if adj.Reason != AdjustMemoryGuard || adj.To != 1 {
		t.Fatalf("adjust = %+v, want memory guard to 1", adj)
	}
	if !m.Stats().MemoryGuarded {
		t.Error("stats should report the guard active")
	}

	// Held at 1 while heap stays high, regardless of the latency signal.
	m.ReportLatency(s, 100*time.Millisecond)
	adj = m.Adjust()
	if adj.To != 1 {
		t.Fatalf("capacity = %d while guarded, want 1", adj.To)
	}

	// Guard releases once heap drops, and latency rules resume.
	heap.Store(100 << 20)
	adj = m.Adjust()
	if adj.Reason != AdjustScaleUp || adj.To != 2 {
		t.Errorf("adjust after guard release = %+v, want scale up to 2", adj)
	}
	if m.Stats().MemoryGuarded {
		t.Error("stats should report the guard released")
	}
}

// ============ Capacity Growth ============

func TestAdjust_ScaleUpWakesWaiter(t *testing.T) {
	m := New(WithInitialCapacity(1), WithMaxCapacity(2), WithMemProbe(zeroHeap))

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Slot, 1)
	go func() {
		s, err := m.Acquire(context.Background())
		if err != nil {
			return
		}
		acquired <- s
	}()
	waitFor(t, time.Second, func() bool { return m.Stats().Waiting == 1 })

	reportBaseline(t, m, s1, 100*time.Millisecond)
	if adj := m.Adjust(); adj.Reason != AdjustScaleUp {
		t.Fatalf("adjust = %+v, want scale up", adj)
	}

	select {
	case s2 := <-acquired:
		st := m.Stats()
		if st.Active != 2 || st.Capacity != 2 {
			t.Errorf("active/capacity = %d/%d, want 2/2", st.Active, st.Capacity)
		}
		m.Release(s2)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by capacity growth")
	}
	m.Release(s1)
}

// ============ Release Contract ============

func TestRelease_DoubleReleasePanics(t *testing.T) {
	m := New(WithFixedCapacity(1))
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(s)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on double release")
		}
	}()
	m.Release(s)
}

func TestRelease_NilPanics(t *testing.T) {
	m := New()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil release")
		}
	}()
	m.Release(nil)
}

// ============ Stats ============

func TestStats_Snapshot(t *testing.T) {
	base := time.Now()
	current := base
	m := New(
		WithInitialCapacity(2),
		WithClock(func() time.Time { return current }),
		WithMemProbe(zeroHeap),
	)

	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.ReportLatency(s, 100*time.Millisecond)
	m.ReportLatency(s, 100*time.Millisecond)

	current = base.Add(10 * time.Second)
	st := m.Stats()

	if st.Active != 1 {
		t.Errorf("active = %d, want 1", st.Active)
	}
	if st.Capacity != 2 {
		t.Errorf("capacity = %d, want 2", st.Capacity)
	}
	if st.ItemsProcessed != 2 {
		t.Errorf("items processed = %d, want 2", st.ItemsProcessed)
	}
	if got, want := st.ItemsPerSecond, 0.2; got < want-0.001 || got > want+0.001 {
		t.Errorf("items per second = %v, want %v", got, want)
	}
	m.Release(s)
}

func TestNew_DefaultInitialCapacity(t *testing.T) {
	want := runtime.GOMAXPROCS(0) - 1
	if want < 1 {
		want = 1
	}
	if want > 4 {
		want = 4
	}

	m := New()
	if got := m.Stats().Capacity; got != want {
		t.Errorf("default capacity = %d, want %d", got, want)
	}
}
