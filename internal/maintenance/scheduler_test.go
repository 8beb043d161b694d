package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	mu          sync.Mutex
	rollupHours []time.Time
	rollupErr   error

	positionCalls int
	positionRows  int64
	positionErr   error

	neighborCalls int
	neighborRows  int64

	block chan struct{}
}

func (f *fakeStore) RollupActiveHour(_ context.Context, hour time.Time) error {
	f.mu.Lock()
	f.rollupHours = append(f.rollupHours, hour)
	f.mu.Unlock()
	return f.rollupErr
}

func (f *fakeStore) PrunePositions(context.Context) (int64, error) {
	f.mu.Lock()
	f.positionCalls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.positionRows, f.positionErr
}

func (f *fakeStore) PruneNeighborInfo(context.Context) (int64, error) {
	f.mu.Lock()
	f.neighborCalls++
	f.mu.Unlock()
	return f.neighborRows, nil
}

func (f *fakeStore) positions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionCalls
}

type fakePurger struct{ purges int }

func (f *fakePurger) Purge() { f.purges++ }

func newTestScheduler(st *fakeStore) *Scheduler {
	s := NewScheduler(st, &fakePurger{}, zap.NewNop())
	s.now = func() time.Time {
		return time.Date(2024, 8, 12, 11, 0, 0, 500, time.UTC)
	}
	return s
}

func TestStart_RegistersAllJobs(t *testing.T) {
	s := newTestScheduler(&fakeStore{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.Jobs(); got != 4 {
		t.Errorf("expected 4 scheduled jobs, got %d", got)
	}
}

func TestRollup_TargetsPreviousHour(t *testing.T) {
	st := &fakeStore{}
	s := newTestScheduler(st)

	if err := s.rollupActiveHour(context.Background()); err != nil {
		t.Fatalf("rollupActiveHour: %v", err)
	}
	if len(st.rollupHours) != 1 {
		t.Fatalf("expected 1 rollup call, got %d", len(st.rollupHours))
	}
	if want := time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC); !st.rollupHours[0].Equal(want) {
		t.Errorf("expected rollup of %v, got %v", want, st.rollupHours[0])
	}
}

func TestGuarded_SkipsOverlappingRun(t *testing.T) {
	st := &fakeStore{block: make(chan struct{})}
	s := newTestScheduler(st)

	job := s.guarded(context.Background(), "prune_positions", s.prunePositions)

	done := make(chan struct{})
	go func() {
		job()
		close(done)
	}()
	for st.positions() == 0 {
		time.Sleep(time.Millisecond)
	}

	// The first run is parked inside the store; this trigger must bail out
	// without touching it.
	job()
	if got := st.positions(); got != 1 {
		t.Errorf("expected overlapping trigger to skip, got %d store calls", got)
	}

	close(st.block)
	<-done

	job()
	if got := st.positions(); got != 2 {
		t.Errorf("expected the guard to release after the run, got %d store calls", got)
	}
}

func TestGuarded_ReleasesAfterError(t *testing.T) {
	st := &fakeStore{positionErr: errors.New("relation missing")}
	s := newTestScheduler(st)

	job := s.guarded(context.Background(), "prune_positions", s.prunePositions)
	job()
	job()

	if got := st.positions(); got != 2 {
		t.Errorf("expected a failed run to release the guard, got %d store calls", got)
	}
}

func TestRunOnce_AllJobs(t *testing.T) {
	st := &fakeStore{positionRows: 3, neighborRows: 7}
	s := NewScheduler(st, nil, zap.NewNop())
	s.now = func() time.Time {
		return time.Date(2024, 8, 12, 11, 0, 0, 0, time.UTC)
	}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(st.rollupHours) != 1 {
		t.Fatalf("expected 1 rollup call, got %d", len(st.rollupHours))
	}
	if st.positions() != 1 || st.neighborCalls != 1 {
		t.Errorf("expected one prune per table, got positions=%d neighbors=%d",
			st.positions(), st.neighborCalls)
	}
}

func TestRunOnce_StopsOnError(t *testing.T) {
	st := &fakeStore{positionErr: errors.New("relation missing")}
	s := NewScheduler(st, nil, zap.NewNop())

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if st.neighborCalls != 0 {
		t.Errorf("expected the neighbor prune to be skipped after a failure, got %d calls", st.neighborCalls)
	}
}

func TestPurgeCache(t *testing.T) {
	purger := &fakePurger{}
	s := NewScheduler(&fakeStore{}, purger, zap.NewNop())

	if err := s.purgeCache(context.Background()); err != nil {
		t.Fatalf("purgeCache: %v", err)
	}
	if purger.purges != 1 {
		t.Errorf("expected 1 purge, got %d", purger.purges)
	}
}
