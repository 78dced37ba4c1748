package poll_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instance-transfer/src/poll"
)

type res struct {
	ID     string
	Status string
}

// board hands out scripted statuses per id; the last one sticks.
type board struct {
	mu      sync.Mutex
	seqs    map[string][]string
	fetched []string
	created int
}

func newBoard(seqs map[string][]string) *board {
	return &board{seqs: seqs}
}

func (b *board) fetch(ctx context.Context, r res) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetched = append(b.fetched, r.ID)
	seq := b.seqs[r.ID]
	if len(seq) == 0 {
		return "", errors.NotFoundf("resource %q", r.ID)
	}
	s := seq[0]
	if len(seq) > 1 {
		b.seqs[r.ID] = seq[1:]
	}
	return s, nil
}

func (b *board) recreate(ctx context.Context, r res) (res, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	id := fmt.Sprintf("%s-r%d", r.ID, b.created)
	b.seqs[id] = []string{"available"}
	return res{ID: id}, nil
}

func spec(b *board, items ...res) poll.Spec[res] {
	return poll.Spec[res]{
		Kind:      "volume",
		Items:     items,
		ID:        func(r res) string { return r.ID },
		Fetch:     b.fetch,
		Succeeded: func(s string) bool { return s == "available" },
		Failed:    func(s string) bool { return s == "error" },
		Recreate:  b.recreate,
		Settle: func(r res, s string) res {
			r.Status = s
			return r
		},
		Interval: 5 * time.Second,
		Deadline: 50 * time.Second,
		Clock:    testclock.NewDilatedWallClock(time.Millisecond),
	}
}

func TestUntil_AllSucceed(t *testing.T) {
	b := newBoard(map[string][]string{
		"a": {"creating", "available"},
		"b": {"creating", "creating", "available"},
	})
	got, err := poll.Until(context.Background(), spec(b, res{ID: "a"}, res{ID: "b"}))
	require.NoError(t, err)
	assert.Equal(t, []res{{ID: "a", Status: "available"}, {ID: "b", Status: "available"}}, got)
}

func TestUntil_TickStopsAtFirstPending(t *testing.T) {
	b := newBoard(map[string][]string{
		"a": {"creating", "available"},
		"b": {"available"},
	})
	_, err := poll.Until(context.Background(), spec(b, res{ID: "a"}, res{ID: "b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", "b"}, b.fetched)
}

func TestUntil_ErrorStatusRecreates(t *testing.T) {
	b := newBoard(map[string][]string{
		"a": {"available"},
		"b": {"error"},
	})
	got, err := poll.Until(context.Background(), spec(b, res{ID: "a"}, res{ID: "b"}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b-r1", got[1].ID)
	assert.Equal(t, "available", got[1].Status)
	assert.Equal(t, 1, b.created)
}

func TestUntil_TimeoutNamesPending(t *testing.T) {
	b := newBoard(map[string][]string{
		"a": {"available"},
		"b": {"creating"},
	})
	_, err := poll.Until(context.Background(), spec(b, res{ID: "a"}, res{ID: "b"}))
	require.Error(t, err)
	assert.True(t, poll.IsTimeout(err), "got %v", err)

	var te *poll.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "volume", te.Kind)
	assert.Equal(t, 50*time.Second, te.Deadline)
	assert.Equal(t, []string{"b"}, te.Pending)
}

func TestUntil_ErrorWithoutRecreateIsFatal(t *testing.T) {
	b := newBoard(map[string][]string{"a": {"error"}})
	s := spec(b, res{ID: "a"})
	s.Recreate = nil

	_, err := poll.Until(context.Background(), s)
	require.Error(t, err)
	assert.True(t, poll.IsFailed(err), "got %v", err)
	assert.False(t, poll.IsTimeout(err))
	assert.Len(t, b.fetched, 1)
}

func TestUntil_FetchErrorIsFatal(t *testing.T) {
	b := newBoard(map[string][]string{})
	_, err := poll.Until(context.Background(), spec(b, res{ID: "missing"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
	assert.False(t, poll.IsTimeout(err))
}

func TestUntil_StopsOnCancel(t *testing.T) {
	b := newBoard(map[string][]string{"a": {"creating"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := poll.Until(ctx, spec(b, res{ID: "a"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestUntil_DeadlineShorterThanIntervalChecksOnce(t *testing.T) {
	b := newBoard(map[string][]string{"a": {"creating", "available"}})
	s := spec(b, res{ID: "a"})
	s.Deadline = 2 * time.Second

	_, err := poll.Until(context.Background(), s)
	assert.True(t, poll.IsTimeout(err), "got %v", err)
	assert.Equal(t, []string{"a"}, b.fetched)
}

func TestUntil_ParallelMatchesSequential(t *testing.T) {
	seqs := func() map[string][]string {
		return map[string][]string{
			"a": {"creating", "available"},
			"b": {"error"},
			"c": {"available"},
		}
	}
	items := []res{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	seq, err := poll.Until(context.Background(), spec(newBoard(seqs()), items...))
	require.NoError(t, err)

	ps := spec(newBoard(seqs()), items...)
	ps.Parallel = true
	par, err := poll.Until(context.Background(), ps)
	require.NoError(t, err)

	assert.Equal(t, seq, par)
}

func TestUntil_InvalidSpec(t *testing.T) {
	s := spec(newBoard(nil), res{ID: "a"})
	s.Interval = 0
	_, err := poll.Until(context.Background(), s)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestUntil_NoItems(t *testing.T) {
	got, err := poll.Until(context.Background(), spec(newBoard(nil)))
	require.NoError(t, err)
	assert.Empty(t, got)
}
