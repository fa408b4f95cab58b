package retrier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chain/mock"
	"github.com/certusone/wormhole/witnessd/pkg/chunker"
	"github.com/certusone/wormhole/witnessd/pkg/db"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testTimeout = 5 * time.Second
	ingress     = chain.Category("ingress")
)

func testConfig() Config {
	cfg := DefaultConfig(ingress)
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	return cfg
}

func openRetryDB(t *testing.T) *db.RetryDB {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return db.NewRetryDB(d.Conn(), "ethereum")
}

// epochHandle registers a consumer for an epoch starting at start. If end is
// non-nil the epoch is ended there by starting the next one.
func epochHandle(t *testing.T, start uint64, end *uint64) *epochs.Epoch {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := epochs.NewMonitor(zap.NewNop(), nil)
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, m.StartEpoch(ctx, 1, start))
	sub, err := m.Subscribe(ctx, "test:headers")
	require.NoError(t, err)
	require.Len(t, sub.Snapshot, 1)
	if end != nil {
		require.NoError(t, m.StartEpoch(ctx, 2, *end+1))
	}
	return sub.Snapshot[0]
}

func u64(v uint64) *uint64 { return &v }

// recorder is a processor that fails selected indices a number of times.
type recorder struct {
	mu         sync.Mutex
	attempts   map[uint64]int
	failures   map[uint64]int
	permanent  map[uint64]bool
	hashes     map[uint64][]chain.Hash
	running    map[uint64]int
	maxRunning int
	delay      time.Duration
}

func newRecorder() *recorder {
	return &recorder{
		attempts:  make(map[uint64]int),
		failures:  make(map[uint64]int),
		permanent: make(map[uint64]bool),
		hashes:    make(map[uint64][]chain.Hash),
		running:   make(map[uint64]int),
	}
}

func (r *recorder) Attempt(ctx context.Context, b chain.Block[string]) error {
	r.mu.Lock()
	r.attempts[b.Index]++
	r.hashes[b.Index] = append(r.hashes[b.Index], b.Hash)
	r.running[b.Index]++
	if r.running[b.Index] > r.maxRunning {
		r.maxRunning = r.running[b.Index]
	}
	fail := r.failures[b.Index] > 0
	if fail {
		r.failures[b.Index]--
	}
	permanent := r.permanent[b.Index]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	r.running[b.Index]--
	r.mu.Unlock()

	switch {
	case permanent:
		return Permanent(errors.New("malformed payload"))
	case fail:
		return errors.New("submission timed out")
	}
	return nil
}

func (r *recorder) count(index uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[index]
}

type harness struct {
	t       *testing.T
	engine  *Engine[string]
	stream  chan chunker.Item[string]
	epoch   *epochs.Epoch
	sink    chan Completion
	errC    chan error
	cancel  context.CancelFunc
	storage *db.RetryDB
}

func runEngine(t *testing.T, cfg Config, storage *db.RetryDB, src Fetcher[string], proc Processor[string], epoch *epochs.Epoch) *harness {
	t.Helper()
	return runEngineWithLogger(t, zap.NewNop(), cfg, storage, src, proc, epoch)
}

func runEngineWithLogger(t *testing.T, logger *zap.Logger, cfg Config, storage *db.RetryDB, src Fetcher[string], proc Processor[string], epoch *epochs.Epoch) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:       t,
		stream:  make(chan chunker.Item[string], 64),
		epoch:   epoch,
		sink:    make(chan Completion, 64),
		errC:    make(chan error, 1),
		cancel:  cancel,
		storage: storage,
	}
	h.engine = NewEngine[string](logger, "ethereum", cfg, storage, src, proc, h.sink)
	go func() {
		h.errC <- h.engine.Run(ctx, &chunker.Stream[string]{Epoch: epoch, C: h.stream})
	}()
	return h
}

func (h *harness) send(blocks ...mock.Block) {
	for i := range blocks {
		b := blocks[i]
		h.stream <- chunker.Item[string]{Block: &b}
	}
}

func (h *harness) completions(n int) []Completion {
	h.t.Helper()
	var out []Completion
	for len(out) < n {
		select {
		case c := <-h.sink:
			out = append(out, c)
		case <-time.After(testTimeout):
			h.t.Fatalf("timed out after %d of %d completions", len(out), n)
		}
	}
	return out
}

// finish waits for the epoch to become inactive, closes the stream and
// waits for Run to return.
func (h *harness) finish() {
	h.t.Helper()
	select {
	case <-h.epoch.Inactive():
	case <-time.After(testTimeout):
		h.t.Fatal("epoch was not acknowledged")
	}
	close(h.stream)
	select {
	case err := <-h.errC:
		require.NoError(h.t, err)
	case <-time.After(testTimeout):
		h.t.Fatal("engine did not return")
	}
}

func (h *harness) record(index uint64) db.RetryRecord {
	h.t.Helper()
	rec, found, err := h.storage.Record(ingress, index)
	require.NoError(h.t, err)
	require.True(h.t, found, "no record for %d", index)
	return rec
}

func TestIngressWithTransientFailures(t *testing.T) {
	c := mock.NewChain(100, 6)
	proc := newRecorder()
	proc.failures[103] = 2

	h := runEngine(t, testConfig(), openRetryDB(t), c, proc, epochHandle(t, 100, u64(105)))
	h.send(c.Blocks(100, 105)...)

	done := h.completions(6)
	h.finish()

	byIndex := make(map[uint64]Completion)
	for _, cpl := range done {
		byIndex[cpl.Index] = cpl
	}
	for i := uint64(100); i <= 105; i++ {
		rec := h.record(i)
		assert.Equal(t, db.StateSucceeded, rec.State, "index %d", i)
		want := uint32(1)
		if i == 103 {
			want = 3
		}
		assert.Equal(t, want, rec.Attempts, "index %d", i)
		assert.Equal(t, want, byIndex[i].Attempts, "index %d", i)
		assert.Equal(t, uint32(1), byIndex[i].Epoch)
	}
	assert.Equal(t, 3, proc.count(103))
	assert.Equal(t, 0, c.Fetches(103), "streamed blocks are not refetched")
}

func TestGapsAreBackfilled(t *testing.T) {
	c := mock.NewChain(100, 6)
	proc := newRecorder()

	h := runEngine(t, testConfig(), openRetryDB(t), c, proc, epochHandle(t, 100, u64(105)))
	b100, _ := c.Block(100)
	b105, _ := c.Block(105)
	h.send(b100)
	h.stream <- chunker.Item[string]{Watermark: u64(102)}
	h.send(b105)

	h.completions(6)
	h.finish()

	for i := uint64(101); i <= 104; i++ {
		assert.Equal(t, 1, c.Fetches(i), "index %d", i)
		assert.Equal(t, 1, proc.count(i), "index %d", i)
	}
	assert.Equal(t, 0, c.Fetches(100))
	assert.Equal(t, 0, c.Fetches(105))

	highest, ok, err := h.storage.HighestSeen(ingress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(105), highest)
}

func TestRestartResumesPendingIndices(t *testing.T) {
	c := mock.NewChain(100, 6)
	storage := openRetryDB(t)
	require.NoError(t, storage.SetHighestSeen(ingress, 105))
	require.NoError(t, storage.RecordSucceeded(ingress, 100, 1))
	require.NoError(t, storage.RecordSucceeded(ingress, 101, 4))
	require.NoError(t, storage.RecordFailed(ingress, 102, 2, time.Now().Add(-time.Minute)))
	require.NoError(t, storage.RecordPermanentlyFailed(ingress, 103, 1, time.Now().Add(-time.Minute)))

	proc := newRecorder()
	h := runEngine(t, testConfig(), storage, c, proc, epochHandle(t, 100, u64(105)))

	h.completions(4)
	h.finish()

	assert.Equal(t, 0, proc.count(100))
	assert.Equal(t, 0, proc.count(101))
	assert.Equal(t, uint32(4), h.record(101).Attempts)
	assert.Equal(t, uint32(3), h.record(102).Attempts)
	assert.Equal(t, uint32(2), h.record(103).Attempts)
	for i := uint64(102); i <= 105; i++ {
		assert.Equal(t, db.StateSucceeded, h.record(i).State, "index %d", i)
		assert.Equal(t, 1, proc.count(i), "index %d", i)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	c := mock.NewChain(100, 3)
	proc := newRecorder()
	proc.permanent[101] = true

	observedZapCore, observedLogs := observer.New(zap.InfoLevel)
	h := runEngineWithLogger(t, zap.New(observedZapCore), testConfig(), openRetryDB(t), c, proc, epochHandle(t, 100, u64(102)))
	h.send(c.Blocks(100, 102)...)

	h.completions(2)
	h.finish()

	assert.Equal(t, 1, proc.count(101))
	critical := observedLogs.FilterMessage("permanently failed to process block").All()
	require.Len(t, critical, 1)
	assert.Equal(t, true, critical[0].ContextMap()["critical"])
	assert.Equal(t, uint64(101), critical[0].ContextMap()["index"])
	rec := h.record(101)
	assert.Equal(t, db.StateFailed, rec.State)
	assert.Equal(t, uint32(1), rec.Attempts)
}

func TestInvalidatedIndicesAreProcessedAgain(t *testing.T) {
	c := mock.NewChain(100, 3)
	proc := newRecorder()
	storage := openRetryDB(t)

	h := runEngine(t, testConfig(), storage, c, proc, epochHandle(t, 100, nil))
	h.send(c.Blocks(100, 102)...)
	h.completions(3)

	fork := c.Reorg(2, 2)
	h.stream <- chunker.Item[string]{Invalidated: &regularizer.Range{From: 101, To: 102}}
	h.send(fork...)

	again := h.completions(2)
	for _, cpl := range again {
		b, ok := c.Block(cpl.Index)
		require.True(t, ok)
		assert.Equal(t, b.Hash, cpl.Hash, "index %d", cpl.Index)
		assert.Equal(t, uint32(1), cpl.Attempts)
	}
	assert.Equal(t, 1, proc.count(100))
	assert.Equal(t, 2, proc.count(101))
	assert.Equal(t, 2, proc.count(102))

	h.cancel()
	select {
	case err := <-h.errC:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("engine did not return")
	}
}

func TestIndicesBeyondEpochEndAreIgnored(t *testing.T) {
	c := mock.NewChain(100, 6)
	proc := newRecorder()

	h := runEngine(t, testConfig(), openRetryDB(t), c, proc, epochHandle(t, 100, u64(102)))
	h.send(c.Blocks(98, 105)...)

	h.completions(3)
	h.finish()

	for i := uint64(100); i <= 102; i++ {
		assert.Equal(t, 1, proc.count(i), "index %d", i)
	}
	for i := uint64(103); i <= 105; i++ {
		assert.Equal(t, 0, proc.count(i), "index %d", i)
		_, found, err := h.storage.Record(ingress, i)
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestAtMostOneAttemptPerIndex(t *testing.T) {
	c := mock.NewChain(100, 20)
	proc := newRecorder()
	proc.delay = 2 * time.Millisecond
	for i := uint64(100); i < 120; i += 3 {
		proc.failures[i] = 3
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 4
	cfg.MaxHistorical = 2
	h := runEngine(t, cfg, openRetryDB(t), c, proc, epochHandle(t, 100, u64(119)))
	h.send(c.Blocks(100, 104)...)
	h.stream <- chunker.Item[string]{Watermark: u64(119)}

	h.completions(20)
	h.finish()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 1, proc.maxRunning)
}

func TestContendedIndexIsRetried(t *testing.T) {
	c := mock.NewChain(100, 2)
	proc := newRecorder()

	cfg := testConfig()
	cfg.Leases = NewLeases()
	require.True(t, cfg.Leases.TryAcquire(ingress, 101))
	time.AfterFunc(20*time.Millisecond, func() { cfg.Leases.Release(ingress, 101) })

	h := runEngine(t, cfg, openRetryDB(t), c, proc, epochHandle(t, 100, u64(101)))
	h.send(c.Blocks(100, 101)...)

	h.completions(2)
	h.finish()

	assert.Equal(t, 1, proc.count(101))
	assert.Equal(t, uint32(1), h.record(101).Attempts)
}

func TestFetchFailuresCountAsAttempts(t *testing.T) {
	c := mock.NewChain(100, 3)
	c.FailFetch(101, chain.Transient("fetch", 101, errors.New("connection reset")))
	proc := newRecorder()

	h := runEngine(t, testConfig(), openRetryDB(t), c, proc, epochHandle(t, 100, u64(102)))
	b100, _ := c.Block(100)
	b102, _ := c.Block(102)
	h.send(b100, b102)

	h.completions(3)
	h.finish()

	assert.Equal(t, 2, c.Fetches(101))
	assert.Equal(t, uint32(2), h.record(101).Attempts)
	assert.Equal(t, 1, proc.count(101))
}

func TestNotFoundWaitsWithoutCountingAttempts(t *testing.T) {
	c := mock.NewChain(100, 3)
	c.FailFetch(101, chain.NotFound(101), chain.NotFound(101), chain.NotFound(101))
	proc := newRecorder()
	storage := openRetryDB(t)

	h := runEngine(t, testConfig(), storage, c, proc, epochHandle(t, 100, u64(102)))
	b100, _ := c.Block(100)
	b102, _ := c.Block(102)
	h.send(b100, b102)

	done := h.completions(3)
	h.finish()

	assert.Equal(t, 4, c.Fetches(101))
	assert.Equal(t, 1, proc.count(101))
	rec := h.record(101)
	assert.Equal(t, db.StateSucceeded, rec.State)
	assert.Equal(t, uint32(1), rec.Attempts)
	for _, cpl := range done {
		if cpl.Index == 101 {
			assert.Equal(t, uint32(1), cpl.Attempts)
		}
	}
}
