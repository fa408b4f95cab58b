package chunker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTimeout = 5 * time.Second

func blk(i uint64) chain.Block[string] {
	return chain.Block[string]{Index: i, Data: fmt.Sprintf("block-%d", i)}
}

func startMonitor(t *testing.T) *epochs.Monitor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := epochs.NewMonitor(zap.NewNop(), nil)
	go func() { _ = m.Run(ctx) }()
	return m
}

// subscribeEpoch returns the monitor's handle for the single active epoch.
func subscribeEpoch(t *testing.T, m *epochs.Monitor) *epochs.Epoch {
	t.Helper()
	sub, err := m.Subscribe(context.Background(), "test:headers")
	require.NoError(t, err)
	require.Len(t, sub.Snapshot, 1)
	return sub.Snapshot[0]
}

func newForwarder(e *epochs.Epoch, bufferSize int) *forwarder[string] {
	return &forwarder[string]{
		logger:     zap.NewNop(),
		chainID:    "test",
		epoch:      e,
		bufferSize: bufferSize,
	}
}

func buffered(f *forwarder[string]) []Item[string] {
	var items []Item[string]
	for f.buf.Len() > 0 {
		v, _ := f.buf.PopFront()
		items = append(items, v.(Item[string]))
	}
	return items
}

func blockIndex(t *testing.T, it Item[string]) uint64 {
	t.Helper()
	require.NotNil(t, it.Block, "expected a block, got %s", it)
	return it.Block.Index
}

func TestForwarderClipsBlocksToEpoch(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	e := subscribeEpoch(t, m)
	require.NoError(t, m.StartEpoch(ctx, 2, 200))

	end, ok := e.End()
	require.True(t, ok)
	require.Equal(t, uint64(199), end)

	f := newForwarder(e, 16)
	for _, i := range []uint64{99, 100, 150, 199, 200, 250} {
		f.admit(regularizer.Confirmed(blk(i)))
	}

	items := buffered(f)
	require.Len(t, items, 4)
	assert.Equal(t, uint64(100), blockIndex(t, items[0]))
	assert.Equal(t, uint64(150), blockIndex(t, items[1]))
	assert.Equal(t, uint64(199), blockIndex(t, items[2]))
	require.NotNil(t, items[3].Watermark)
	assert.Equal(t, uint64(199), *items[3].Watermark)
}

func TestForwarderClipsInvalidations(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	e := subscribeEpoch(t, m)

	f := newForwarder(e, 16)
	f.admit(regularizer.Invalidation[string](90, 110))
	f.admit(regularizer.Invalidation[string](50, 60))

	require.NoError(t, m.StartEpoch(ctx, 2, 200))
	f.admit(regularizer.Invalidation[string](150, 300))
	f.admit(regularizer.Invalidation[string](200, 210))

	items := buffered(f)
	require.Len(t, items, 2)
	assert.Equal(t, regularizer.Range{From: 100, To: 110}, *items[0].Invalidated)
	assert.Equal(t, regularizer.Range{From: 150, To: 199}, *items[1].Invalidated)
}

func TestForwarderDegradesToWatermarkWhenFull(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	e := subscribeEpoch(t, m)

	f := newForwarder(e, 3)
	for i := uint64(100); i < 110; i++ {
		f.admit(regularizer.Confirmed(blk(i)))
	}

	items := buffered(f)
	require.Len(t, items, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint64(100+i), blockIndex(t, items[i]))
	}
	require.NotNil(t, items[3].Watermark)
	assert.Equal(t, uint64(109), *items[3].Watermark)
}

func TestInvalidationLowersWatermark(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	e := subscribeEpoch(t, m)

	f := newForwarder(e, 1)
	f.admit(regularizer.Confirmed(blk(100)))
	f.admit(regularizer.Confirmed(blk(101)))
	f.admit(regularizer.Invalidation[string](101, 101))
	f.admit(regularizer.Confirmed(blk(101)))

	items := buffered(f)
	require.Len(t, items, 4)
	assert.Equal(t, uint64(100), blockIndex(t, items[0]))
	assert.Equal(t, uint64(101), *items[1].Watermark)
	assert.Equal(t, regularizer.Range{From: 101, To: 101}, *items[2].Invalidated)
	assert.Equal(t, uint64(101), *items[3].Watermark)
}

type harness struct {
	t       *testing.T
	m       *epochs.Monitor
	in      chan regularizer.Event[string]
	streams chan *Stream[string]
	errC    chan error
}

func runChunker(t *testing.T, m *epochs.Monitor, opts Options, spawn Spawner[string]) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := New[string](zap.NewNop(), "test", "headers", m, opts)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		m:       m,
		in:      make(chan regularizer.Event[string]),
		streams: make(chan *Stream[string], 8),
		errC:    make(chan error, 1),
	}
	if spawn == nil {
		spawn = func(ctx context.Context, s *Stream[string]) error {
			select {
			case h.streams <- s:
			case <-ctx.Done():
				return nil
			}
			<-ctx.Done()
			return nil
		}
	}
	go func() { h.errC <- c.Run(ctx, h.in, spawn) }()
	return h
}

func (h *harness) publish(from, to uint64) {
	h.t.Helper()
	for i := from; i <= to; i++ {
		select {
		case h.in <- regularizer.Confirmed(blk(i)):
		case <-time.After(testTimeout):
			h.t.Fatalf("timed out publishing block %d", i)
		}
	}
}

func (h *harness) nextStream() *Stream[string] {
	h.t.Helper()
	select {
	case s := <-h.streams:
		return s
	case <-time.After(testTimeout):
		h.t.Fatal("timed out waiting for epoch stream")
		return nil
	}
}

func next(t *testing.T, s *Stream[string]) Item[string] {
	t.Helper()
	select {
	case it, ok := <-s.C:
		require.True(t, ok, "stream closed")
		return it
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for item")
		return Item[string]{}
	}
}

func TestChunkerEpochBoundaries(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	h := runChunker(t, m, Options{}, nil)

	first := h.nextStream()
	assert.Equal(t, uint32(1), first.Epoch.ID)

	h.publish(95, 150)
	require.NoError(t, m.StartEpoch(ctx, 2, 200))
	h.publish(151, 210)

	for i := uint64(100); i <= 199; i++ {
		assert.Equal(t, i, blockIndex(t, next(t, first)))
	}
	wm := next(t, first)
	require.NotNil(t, wm.Watermark)
	assert.Equal(t, uint64(199), *wm.Watermark)

	second := h.nextStream()
	assert.Equal(t, uint32(2), second.Epoch.ID)
	for i := uint64(200); i <= 210; i++ {
		assert.Equal(t, i, blockIndex(t, next(t, second)))
	}

	first.Epoch.Ack()
	select {
	case _, ok := <-first.C:
		assert.False(t, ok, "stream of an inactive epoch must be closed")
	case <-time.After(testTimeout):
		t.Fatal("stream was not closed after the epoch became inactive")
	}
}

func TestChunkerReplaysRecentBlocksToNewEpoch(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	h := runChunker(t, m, Options{ReplaySize: 64}, nil)
	first := h.nextStream()

	h.publish(100, 110)
	h.in <- regularizer.Invalidation[string](109, 110)
	require.NoError(t, m.StartEpoch(ctx, 2, 105))

	second := h.nextStream()
	for i := uint64(105); i <= 108; i++ {
		assert.Equal(t, i, blockIndex(t, next(t, second)))
	}

	assert.Equal(t, uint64(100), blockIndex(t, next(t, first)))
}

func TestChunkerStopsWhenConsumerFails(t *testing.T) {
	ctx := context.Background()
	m := startMonitor(t)
	require.NoError(t, m.StartEpoch(ctx, 1, 100))
	h := runChunker(t, m, Options{}, func(ctx context.Context, s *Stream[string]) error {
		return errors.New("storage unavailable")
	})

	select {
	case err := <-h.errC:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "epoch_1")
		assert.Contains(t, err.Error(), "storage unavailable")
	case <-time.After(testTimeout):
		t.Fatal("chunker did not stop")
	}

	bounds, err := m.Bounds(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, epochs.StateCurrent.String(), bounds.State)
}

func TestChunkerReturnsWhenInputCloses(t *testing.T) {
	m := startMonitor(t)
	h := runChunker(t, m, Options{}, nil)
	close(h.in)

	select {
	case err := <-h.errC:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("chunker did not stop")
	}
}
