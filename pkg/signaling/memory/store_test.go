package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

type collector struct {
	mux     sync.Mutex
	batches [][]signaling.Change
	signal  chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 64)}
}

func (c *collector) listen(changes []signaling.Change, err error) {
	if err != nil {
		return
	}
	c.mux.Lock()
	c.batches = append(c.batches, changes)
	c.mux.Unlock()
	c.signal <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) [][]signaling.Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mux.Lock()
		got := len(c.batches)
		c.mux.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d batches, got %d", n, got)
		}
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	out := make([][]signaling.Change, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestWriteReadMerge(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	_, err := s.Read(ctx, "calls/a")
	require.ErrorIs(t, err, signaling.ErrNotFound)

	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"caller": "alice", "status": "offering"}, false))
	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "ended"}, true))

	rec, err := s.Read(ctx, "calls/a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, "alice", rec.String("caller"))
	assert.Equal(t, "ended", rec.String("status"))

	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "offering"}, false))
	rec, err = s.Read(ctx, "calls/a")
	require.NoError(t, err)
	assert.Empty(t, rec.String("caller"))
}

func TestServerTimestampResolved(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return fixed }))
	defer s.Close()

	require.NoError(t, s.Write(ctx, "calls/x", signaling.Fields{"createdAt": signaling.ServerTimestamp}, false))
	rec, err := s.Read(ctx, "calls/x")
	require.NoError(t, err)

	at, ok := rec.Time("createdAt")
	require.True(t, ok)
	assert.Equal(t, fixed, at)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	err := s.Update(ctx, "calls/missing", func(signaling.Record) (signaling.Fields, error) {
		return signaling.Fields{"status": "ended"}, nil
	})
	require.ErrorIs(t, err, signaling.ErrNotFound)

	_, err = s.Read(ctx, "calls/missing")
	require.ErrorIs(t, err, signaling.ErrNotFound)

	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "ended"}, false))
	require.NoError(t, s.Update(ctx, "calls/a", func(current signaling.Record) (signaling.Fields, error) {
		if current.String("status") == "ended" {
			return nil, signaling.ErrAbort
		}
		return signaling.Fields{"status": "answered"}, nil
	}))

	rec, err := s.Read(ctx, "calls/a")
	require.NoError(t, err)
	assert.Equal(t, "ended", rec.String("status"))

	boom := errors.New("boom")
	err = s.Update(ctx, "calls/a", func(signaling.Record) (signaling.Fields, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestSubscribeRecordDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "offering"}, false))

	c := newCollector()
	sub, err := s.SubscribeRecord(ctx, "calls/a", c.listen)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "answered"}, true))
	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"status": "ended"}, true))

	batches := c.wait(t, 3)
	assert.Equal(t, signaling.ChangeAdded, batches[0][0].Kind)
	assert.Equal(t, "offering", batches[0][0].Record.String("status"))
	assert.Equal(t, "answered", batches[1][0].Record.String("status"))
	assert.Equal(t, "ended", batches[2][0].Record.String("status"))

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, s.Write(ctx, "calls/a", signaling.Fields{"other": 1}, true))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.wait(t, 3), 3)
}

func TestSubscribeRecordMissing(t *testing.T) {
	s := NewStore()
	defer s.Close()

	c := newCollector()
	_, err := s.SubscribeRecord(context.Background(), "calls/none", c.listen)
	require.NoError(t, err)

	batches := c.wait(t, 1)
	assert.Equal(t, signaling.ChangeRemoved, batches[0][0].Kind)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := NewStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	_, err := s.SubscribeRecord(ctx, "calls/a", c.listen)
	require.NoError(t, err)
	c.wait(t, 1)

	q := newCollector()
	_, err = s.SubscribeQuery(ctx, signaling.Query{Collection: "calls"}, q.listen)
	require.NoError(t, err)
	q.wait(t, 1)

	cancel()
	require.Eventually(t, func() bool {
		s.mux.Lock()
		defer s.mux.Unlock()
		return len(s.subs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Write(context.Background(), "calls/a", signaling.Fields{"status": "offering"}, false))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.wait(t, 1), 1)
	assert.Len(t, q.wait(t, 1), 1)
}

func TestSubscribeQueryFiltersAndTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	require.NoError(t, s.Write(ctx, "calls/old", signaling.Fields{"callee": "bob", "status": "offering"}, false))
	require.NoError(t, s.Write(ctx, "calls/other", signaling.Fields{"callee": "carol", "status": "offering"}, false))
	require.NoError(t, s.Write(ctx, "calls/old/offerCandidates/1", signaling.Fields{"callee": "bob", "status": "offering"}, false))

	q := signaling.Query{Collection: "calls"}.Where("callee", "bob").Where("status", "offering")

	c := newCollector()
	_, err := s.SubscribeQuery(ctx, q, c.listen)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "calls/new", signaling.Fields{"callee": "bob", "status": "offering"}, false))
	require.NoError(t, s.Write(ctx, "calls/old", signaling.Fields{"status": "ended"}, true))

	batches := c.wait(t, 3)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "old", batches[0][0].Record.ID)
	assert.Equal(t, signaling.ChangeAdded, batches[1][0].Kind)
	assert.Equal(t, "new", batches[1][0].Record.ID)
	assert.Equal(t, signaling.ChangeRemoved, batches[2][0].Kind)
	assert.Equal(t, "old", batches[2][0].Record.ID)
}

func TestAppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "calls/a/offerCandidates", signaling.Fields{"n": i})
		require.NoError(t, err)
	}

	records, err := s.QueryWhere(ctx, signaling.Query{Collection: "calls/a/offerCandidates"})
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, i, r.Fields["n"])
	}
}

func TestWriteHookFailsMutation(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("offline")
	s := NewStore(WithWriteHook(func(path string, _ signaling.Fields) error {
		if path == "calls/a" {
			return boom
		}
		return nil
	}))
	defer s.Close()

	require.ErrorIs(t, s.Write(ctx, "calls/a", signaling.Fields{"x": 1}, false), boom)
	_, err := s.Read(ctx, "calls/a")
	require.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Write(context.Background(), "calls/a", signaling.Fields{}, false), signaling.ErrClosed)
}
