package retrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRetryDuration(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Duration(0), NextRetryDuration(base, max, 0))
	assert.Equal(t, 1*time.Second, NextRetryDuration(base, max, 1))
	assert.Equal(t, 2*time.Second, NextRetryDuration(base, max, 2))
	assert.Equal(t, 4*time.Second, NextRetryDuration(base, max, 3))
	assert.Equal(t, 16*time.Second, NextRetryDuration(base, max, 5))
	assert.Equal(t, max, NextRetryDuration(base, max, 6))
	assert.Equal(t, max, NextRetryDuration(base, max, 1<<31))

	prev := time.Duration(0)
	for n := uint32(0); n < 100; n++ {
		d := NextRetryDuration(base, max, n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, max, "attempt %d", n)
		prev = d
	}
}

func TestSpanQueue(t *testing.T) {
	var q spanQueue
	q.push(10, 12)
	q.push(13, 14)
	q.push(20, 20)
	q.push(5, 4)
	assert.Equal(t, uint64(6), q.size())

	var got []uint64
	for i := 0; i < 3; i++ {
		idx, ok := q.pop()
		require.True(t, ok)
		got = append(got, idx)
	}
	assert.Equal(t, []uint64{10, 11, 12}, got)

	q.truncate(14)
	assert.Equal(t, uint64(1), q.size())
	idx, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(13), idx)

	_, ok = q.pop()
	assert.False(t, ok)
	assert.True(t, q.empty())
}

func TestWRRSharesByWeight(t *testing.T) {
	w := newWRR(2, 1)
	both := [numQueues]bool{true, true}

	counts := make(map[int]int)
	for i := 0; i < 30; i++ {
		counts[w.pick(both)]++
	}
	assert.Equal(t, 20, counts[queueBackoff])
	assert.Equal(t, 10, counts[queueHistorical])

	assert.Equal(t, queueHistorical, w.pick([numQueues]bool{false, true}))
	assert.Equal(t, -1, w.pick([numQueues]bool{}))
}

func TestLeases(t *testing.T) {
	l := NewLeases()
	require.True(t, l.TryAcquire(ingress, 1))
	assert.False(t, l.TryAcquire(ingress, 1))
	assert.True(t, l.TryAcquire("egress", 1))
	l.Release(ingress, 1)
	assert.True(t, l.TryAcquire(ingress, 1))
}

func TestPermanentError(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	err := Permanent(assert.AnError)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsPermanent(assert.AnError))
}
