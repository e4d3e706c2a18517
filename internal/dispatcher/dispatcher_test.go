package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmacedo/galton/internal/compute"
	"github.com/tmacedo/galton/internal/config"
	"github.com/tmacedo/galton/internal/model"
	"github.com/tmacedo/galton/internal/pool"
	"github.com/tmacedo/galton/internal/queue"
	"github.com/tmacedo/galton/internal/service"
)

// fakeTracker is an in-memory stand-in for the lifecycle service. It
// enforces the same transition rules so illegal writes fail the test.
type fakeTracker struct {
	mu      sync.Mutex
	seq     int
	records map[string]*trackedRecord
}

type trackedRecord struct {
	ownerID string
	jobID   string
	req     model.AnalysisRequest
	status  model.AnalysisStatus
	extra   service.TransitionExtra
	history []model.AnalysisStatus
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]*trackedRecord)}
}

func (f *fakeTracker) Create(ctx context.Context, ownerID, jobID string, req model.AnalysisRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("analysis-%d", f.seq)
	f.records[id] = &trackedRecord{
		ownerID: ownerID,
		jobID:   jobID,
		req:     req,
		status:  model.StatusPending,
		history: []model.AnalysisStatus{model.StatusPending},
	}
	return id, nil
}

func (f *fakeTracker) Transition(ctx context.Context, analysisID string, to model.AnalysisStatus, extra service.TransitionExtra) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[analysisID]
	if !ok {
		return service.ErrNotFound
	}
	if !model.CanTransition(record.status, to) {
		return service.ErrInvalidTransition
	}
	record.status = to
	record.extra = extra
	record.history = append(record.history, to)
	return nil
}

func (f *fakeTracker) get(analysisID string) trackedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[analysisID]
}

func (f *fakeTracker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeTracker) status(analysisID string) model.AnalysisStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[analysisID].status
}

// stubCaller delegates to a function so each test controls the compute
// behavior, including blocking until told to proceed.
type stubCaller struct {
	fn func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error)
}

func (s *stubCaller) Run(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
	return s.fn(ctx, endpoint, req)
}

type stubDatasets struct {
	rows []map[string]any
	err  error
}

func (s *stubDatasets) Rows(ref string) ([]map[string]any, error) {
	return s.rows, s.err
}

func okResults() map[string]any {
	return map[string]any{
		"tidy":   []any{map[string]any{"term": "price", "estimate": -2.1}},
		"glance": map[string]any{"r.squared": 0.87},
	}
}

func linearSlots(n int) []config.SlotConfig {
	var slots []config.SlotConfig
	for i := 0; i < n; i++ {
		slots = append(slots, config.SlotConfig{
			ID:       fmt.Sprintf("ols-%d", i),
			Family:   model.FamilyLinear,
			Endpoint: fmt.Sprintf("http://localhost:%d/ols", 8000+i),
		})
	}
	return slots
}

func testRequest(tag string) model.AnalysisRequest {
	return model.AnalysisRequest{
		DatasetRef:      "sales.csv",
		DependentVar:    "revenue-" + tag,
		IndependentVars: []string{"price"},
		ModelFamily:     model.FamilyLinear,
	}
}

type harness struct {
	dispatcher *Dispatcher
	tracker    *fakeTracker
	registry   *pool.Registry
	queue      *queue.AdmissionQueue
}

func newHarness(t *testing.T, slots []config.SlotConfig, depth int, caller ComputeCaller) *harness {
	t.Helper()
	tracker := newFakeTracker()
	registry := pool.NewRegistry(slots)
	admission := queue.New(depth)
	d := New(registry, admission, tracker, caller, &stubDatasets{rows: []map[string]any{{"revenue": 1.0, "price": 2.0}}}, Options{
		ComputeTimeout:  time.Second,
		DefaultFamily:   model.FamilyLinear,
		SeedJobDuration: 10 * time.Second,
	})
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return &harness{dispatcher: d, tracker: tracker, registry: registry, queue: admission}
}

func TestSubmitExecutesImmediatelyWhenSlotFree(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("a"))
	require.NoError(t, err)

	completed, ok := outcome.(Completed)
	require.True(t, ok, "free slot plus healthy worker must complete synchronously")
	assert.Equal(t, okResults(), completed.Results)

	record := h.tracker.get(completed.AnalysisID)
	assert.Equal(t, model.StatusCompleted, record.status)
	assert.Equal(t, okResults(), record.extra.Results)
	assert.Equal(t,
		[]model.AnalysisStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted},
		record.history)

	assert.Equal(t, 1, h.registry.Snapshot().Available, "slot must be released after completion")
}

func TestSubmitValidation(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		t.Fatal("compute must not be called for invalid requests")
		return nil, nil
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	t.Run("missing owner", func(t *testing.T) {
		_, err := h.dispatcher.Submit(context.Background(), "", testRequest("a"))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("invalid request", func(t *testing.T) {
		req := testRequest("b")
		req.DependentVar = ""
		_, err := h.dispatcher.Submit(context.Background(), "owner-1", req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("no slot serves family", func(t *testing.T) {
		req := testRequest("c")
		req.ModelFamily = model.FamilyClassification
		_, err := h.dispatcher.Submit(context.Background(), "owner-1", req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	assert.Equal(t, 0, h.tracker.count(), "rejected requests must leave no record")
	assert.Equal(t, 1, h.registry.Snapshot().Available)
	assert.Equal(t, 0, h.queue.Size())
}

func TestAutoFamilyMapsToDefault(t *testing.T) {
	var gotEndpoint string
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		gotEndpoint = endpoint
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	req := testRequest("a")
	req.ModelFamily = model.FamilyAuto
	outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", req)
	require.NoError(t, err)

	_, ok := outcome.(Completed)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8000/ols", gotEndpoint)
}

func TestConcurrentSubmissionsQueueAndReject(t *testing.T) {
	started := make(chan struct{}, 8)
	proceed := make(chan struct{})
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		started <- struct{}{}
		<-proceed
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(2), 1, caller)

	// Two submissions occupy both slots and block inside the worker call.
	outcomes := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest(fmt.Sprintf("busy-%d", n)))
			assert.NoError(t, err)
			outcomes <- outcome
		}(i)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("compute calls did not start")
		}
	}

	// Third submission finds no slot and takes the single queue position.
	queuedOutcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("queued"))
	require.NoError(t, err)
	queued, ok := queuedOutcome.(Queued)
	require.True(t, ok)
	assert.Equal(t, 1, queued.Position)
	assert.Equal(t, 10, queued.EstimatedWaitSeconds, "seed duration times position")
	assert.Equal(t, model.StatusQueued, h.tracker.status(queued.AnalysisID))
	assert.Equal(t, 1, h.tracker.get(queued.AnalysisID).extra.QueuePosition)

	// Fourth submission finds the queue full and is rejected terminally.
	rejectedOutcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("rejected"))
	require.NoError(t, err)
	rejected, ok := rejectedOutcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, model.FailureOverloaded, rejected.Kind)

	record := h.tracker.get(rejected.AnalysisID)
	assert.Equal(t, model.StatusFailed, record.status)
	assert.Equal(t, model.FailureOverloaded, record.extra.Failure.Kind)

	// Unblock the workers; the queued job drains into a freed slot.
	close(proceed)
	for i := 0; i < 2; i++ {
		outcome := <-outcomes
		_, ok := outcome.(Completed)
		assert.True(t, ok)
	}
	require.Eventually(t, func() bool {
		return h.tracker.status(queued.AnalysisID) == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "queued job must run after a slot frees")

	assert.Equal(t, 0, h.queue.Size())
}

func TestDrainPreservesFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	started := make(chan struct{}, 8)
	proceed := make(chan struct{}, 8)
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		mu.Lock()
		order = append(order, req.DependentVar)
		mu.Unlock()
		started <- struct{}{}
		<-proceed
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	first := make(chan Outcome, 1)
	go func() {
		outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("first"))
		assert.NoError(t, err)
		first <- outcome
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job did not start")
	}

	for _, tag := range []string{"second", "third"} {
		outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest(tag))
		require.NoError(t, err)
		_, ok := outcome.(Queued)
		require.True(t, ok)
	}

	// Release each job in turn; the queue must drain oldest-first.
	for i := 0; i < 3; i++ {
		proceed <- struct{}{}
		if i < 2 {
			select {
			case <-started:
			case <-time.After(2 * time.Second):
				t.Fatalf("job %d did not start after release", i+2)
			}
		}
	}
	<-first

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"revenue-first", "revenue-second", "revenue-third"}, order)
}

func TestDrainRequeuesOnFamilyMismatch(t *testing.T) {
	slots := []config.SlotConfig{
		{ID: "ols-0", Family: model.FamilyLinear, Endpoint: "http://localhost:8000/ols"},
		{ID: "logit-0", Family: model.FamilyClassification, Endpoint: "http://localhost:8002/logistic"},
	}
	started := make(chan string, 8)
	proceed := make(chan struct{})
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		started <- req.DependentVar
		if req.DependentVar == "revenue-blocker" || req.DependentVar == "revenue-linear-busy" {
			<-proceed
		}
		return okResults(), nil
	}}
	h := newHarness(t, slots, 10, caller)

	// Occupy both slots with blocking jobs.
	classReq := testRequest("blocker")
	classReq.ModelFamily = model.FamilyClassification
	go h.dispatcher.Submit(context.Background(), "owner-1", classReq)
	go h.dispatcher.Submit(context.Background(), "owner-1", testRequest("linear-busy"))
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("blocking jobs did not start")
		}
	}

	// Queue head needs classification, behind it a linear job.
	headReq := testRequest("head")
	headReq.ModelFamily = model.FamilyClassification
	headOutcome, err := h.dispatcher.Submit(context.Background(), "owner-1", headReq)
	require.NoError(t, err)
	head := headOutcome.(Queued)

	tailOutcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("tail"))
	require.NoError(t, err)
	tail := tailOutcome.(Queued)
	require.Equal(t, 2, tail.Position)

	// Freeing the linear slot cannot serve the classification head; the
	// head goes back to the front and the tail does not jump it.
	close(proceed)

	require.Eventually(t, func() bool {
		return h.tracker.status(head.AnalysisID) == model.StatusCompleted &&
			h.tracker.status(tail.AnalysisID) == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDatasetErrorFailsJob(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		t.Fatal("compute must not be called when the dataset is unreadable")
		return nil, nil
	}}
	tracker := newFakeTracker()
	registry := pool.NewRegistry(linearSlots(1))
	d := New(registry, queue.New(10), tracker, caller, &stubDatasets{err: assert.AnError}, Options{
		ComputeTimeout: time.Second,
		DefaultFamily:  model.FamilyLinear,
	})

	outcome, err := d.Submit(context.Background(), "owner-1", testRequest("a"))
	require.NoError(t, err)

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, model.FailureCompute, failed.Kind)
	assert.Contains(t, failed.Message, "dataset unreadable")
	assert.Equal(t, 1, registry.Snapshot().Available, "slot must be released on dataset failure")
}

func TestComputeFailureIsClassified(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		return nil, &compute.Failure{Kind: model.FailureTimeout, Message: "compute worker exceeded deadline"}
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("a"))
	require.NoError(t, err)

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, model.FailureTimeout, failed.Kind)

	record := h.tracker.get(failed.AnalysisID)
	assert.Equal(t, model.StatusFailed, record.status)
	assert.Equal(t, model.FailureTimeout, record.extra.Failure.Kind)
	assert.Equal(t, 1, h.registry.Snapshot().Available)
}

func TestPanickingComputeCallReleasesSlotOnce(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		panic("worker client blew up")
	}}
	h := newHarness(t, linearSlots(1), 10, caller)

	outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest("a"))
	require.NoError(t, err)

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, model.FailureUnexpectedResponse, failed.Kind)
	assert.Equal(t, model.StatusFailed, h.tracker.status(failed.AnalysisID))
	assert.Equal(t, 1, h.registry.Snapshot().Available, "slot must come back after a panic")

	// The pool still works afterwards.
	caller.fn = func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		return okResults(), nil
	}
	outcome, err = h.dispatcher.Submit(context.Background(), "owner-1", testRequest("b"))
	require.NoError(t, err)
	_, ok = outcome.(Completed)
	assert.True(t, ok)
}

func TestClearQueueEvictsAndFinalizes(t *testing.T) {
	started := make(chan struct{}, 1)
	proceed := make(chan struct{})
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		started <- struct{}{}
		<-proceed
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(1), 10, caller)
	defer close(proceed)

	go h.dispatcher.Submit(context.Background(), "owner-1", testRequest("busy"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking job did not start")
	}

	var queuedIDs []string
	for i := 0; i < 3; i++ {
		outcome, err := h.dispatcher.Submit(context.Background(), "owner-1", testRequest(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		queuedIDs = append(queuedIDs, outcome.(Queued).AnalysisID)
	}

	evicted := h.dispatcher.ClearQueue(context.Background())
	assert.Equal(t, 3, evicted)
	assert.Equal(t, 0, h.queue.Size())

	for _, id := range queuedIDs {
		record := h.tracker.get(id)
		assert.Equal(t, model.StatusFailed, record.status)
		assert.Equal(t, model.FailureEvicted, record.extra.Failure.Kind)
	}
}

func TestStats(t *testing.T) {
	caller := &stubCaller{fn: func(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error) {
		return okResults(), nil
	}}
	h := newHarness(t, linearSlots(2), 5, caller)

	stats := h.dispatcher.Stats()
	assert.Equal(t, 2, stats.Pool.Total)
	assert.Equal(t, 5, stats.Queue.Max)
	assert.Equal(t, int64(10000), stats.MeanJobDurationMs, "mean starts at the configured seed")
}
