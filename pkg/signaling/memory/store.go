// Package memory is an in-process signaling.Store. Two negotiators sharing
// one Store behave as if they were talking through a hosted document database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

type Option = func(*Store)

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithWriteHook installs fn in front of every mutation. A non-nil error fails
// the mutation before anything is stored.
func WithWriteHook(fn func(path string, fields signaling.Fields) error) Option {
	return func(s *Store) {
		s.hook = fn
	}
}

type document struct {
	fields signaling.Fields
	seq    uint64
}

type Store struct {
	mux     sync.Mutex
	docs    map[string]*document
	seq     uint64
	subs    map[*subscriber]struct{}
	now     func() time.Time
	hook    func(path string, fields signaling.Fields) error
	closed  bool
	closeWG sync.WaitGroup
}

func NewStore(options ...Option) *Store {
	s := &Store{
		docs: make(map[string]*document),
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, collection string) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("memory: empty collection")
	}
	return uuid.NewString(), nil
}

func (s *Store) Write(_ context.Context, path string, fields signaling.Fields, merge bool) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return signaling.ErrClosed
	}
	if s.hook != nil {
		if err := s.hook(path, fields); err != nil {
			return err
		}
	}

	s.put(path, fields, merge)
	return nil
}

func (s *Store) Read(_ context.Context, path string) (signaling.Record, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	doc, exists := s.docs[path]
	if !exists {
		return signaling.Record{}, signaling.ErrNotFound
	}
	return record(path, doc.fields), nil
}

func (s *Store) Append(_ context.Context, collection string, fields signaling.Fields) (string, error) {
	id := uuid.NewString()
	path := signaling.Join(collection, id)

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return "", signaling.ErrClosed
	}
	if s.hook != nil {
		if err := s.hook(path, fields); err != nil {
			return "", err
		}
	}

	s.put(path, fields, false)
	return id, nil
}

func (s *Store) Update(_ context.Context, path string, fn signaling.UpdateFunc) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return signaling.ErrClosed
	}

	doc, exists := s.docs[path]
	if !exists {
		return signaling.ErrNotFound
	}

	fields, err := fn(record(path, doc.fields))
	if err == signaling.ErrAbort {
		return nil
	}
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	if s.hook != nil {
		if err := s.hook(path, fields); err != nil {
			return err
		}
	}

	s.put(path, fields, true)
	return nil
}

func (s *Store) QueryWhere(_ context.Context, q signaling.Query) ([]signaling.Record, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.query(q), nil
}

func (s *Store) SubscribeRecord(ctx context.Context, path string, fn signaling.Listener) (signaling.Subscription, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return nil, signaling.ErrClosed
	}

	sub := s.subscribe(ctx, fn, func(p string, _ signaling.Fields) bool { return p == path })

	var initial signaling.Change
	if doc, exists := s.docs[path]; exists {
		initial = signaling.Change{Kind: signaling.ChangeAdded, Record: record(path, doc.fields)}
	} else {
		initial = signaling.Change{Kind: signaling.ChangeRemoved, Record: signaling.Record{Path: path}}
	}
	sub.push([]signaling.Change{initial})

	return sub, nil
}

func (s *Store) SubscribeQuery(ctx context.Context, q signaling.Query, fn signaling.Listener) (signaling.Subscription, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return nil, signaling.ErrClosed
	}

	sub := s.subscribe(ctx, fn, func(p string, fields signaling.Fields) bool {
		collection, _ := signaling.Split(p)
		return collection == q.Collection && fields != nil && q.Matches(fields)
	})

	records := s.query(q)
	initial := make([]signaling.Change, 0, len(records))
	for _, r := range records {
		initial = append(initial, signaling.Change{Kind: signaling.ChangeAdded, Record: r})
	}
	sub.push(initial)

	return sub, nil
}

// Close cancels every subscription and rejects further writes.
func (s *Store) Close() error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mux.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	s.closeWG.Wait()
	return nil
}

// subscribe registers a listener that lives until it is cancelled or ctx is
// done.
func (s *Store) subscribe(ctx context.Context, fn signaling.Listener, match func(string, signaling.Fields) bool) *subscriber {
	sub := newSubscriber(fn, match)
	sub.onCancel = func() {
		s.mux.Lock()
		delete(s.subs, sub)
		s.mux.Unlock()
	}
	s.subs[sub] = struct{}{}

	s.closeWG.Add(1)
	go func() {
		defer s.closeWG.Done()
		sub.loop()
	}()
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
	}()

	return sub
}

// put must be called with s.mux held.
func (s *Store) put(path string, fields signaling.Fields, merge bool) {
	resolved := s.resolve(fields)

	var before signaling.Fields
	doc, exists := s.docs[path]
	if exists {
		before = doc.fields
	}

	var after signaling.Fields
	if exists && merge {
		after = copyFields(before)
		for k, v := range resolved {
			after[k] = v
		}
	} else {
		after = resolved
	}

	if !exists {
		s.seq++
		doc = &document{seq: s.seq}
		s.docs[path] = doc
	}
	doc.fields = after

	for sub := range s.subs {
		was := exists && sub.match(path, before)
		is := sub.match(path, after)

		switch {
		case !was && is:
			sub.push([]signaling.Change{{Kind: signaling.ChangeAdded, Record: record(path, after)}})
		case was && is:
			sub.push([]signaling.Change{{Kind: signaling.ChangeModified, Record: record(path, after)}})
		case was && !is:
			sub.push([]signaling.Change{{Kind: signaling.ChangeRemoved, Record: record(path, after)}})
		}
	}
}

func (s *Store) resolve(fields signaling.Fields) signaling.Fields {
	out := make(signaling.Fields, len(fields))
	for k, v := range fields {
		if signaling.IsServerTimestamp(v) {
			out[k] = s.now()
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = s.resolve(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// query must be called with s.mux held.
func (s *Store) query(q signaling.Query) []signaling.Record {
	type entry struct {
		path string
		doc  *document
	}

	var entries []entry
	prefix := q.Collection + "/"
	for path, doc := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		if !q.Matches(doc.fields) {
			continue
		}
		entries = append(entries, entry{path: path, doc: doc})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if q.OrderBy != "" {
			if less, ok := compare(entries[i].doc.fields[q.OrderBy], entries[j].doc.fields[q.OrderBy]); ok {
				return less
			}
		}
		return entries[i].doc.seq < entries[j].doc.seq
	})

	records := make([]signaling.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, record(e.path, e.doc.fields))
	}
	return records
}

func compare(a, b any) (less bool, ok bool) {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok || av.Equal(bv) {
			return false, false
		}
		return av.Before(bv), true
	case int64:
		bv, ok := b.(int64)
		if !ok || av == bv {
			return false, false
		}
		return av < bv, true
	case int:
		bv, ok := b.(int)
		if !ok || av == bv {
			return false, false
		}
		return av < bv, true
	case string:
		bv, ok := b.(string)
		if !ok || av == bv {
			return false, false
		}
		return av < bv, true
	default:
		return false, false
	}
}

func record(path string, fields signaling.Fields) signaling.Record {
	_, id := signaling.Split(path)
	return signaling.Record{ID: id, Path: path, Fields: copyFields(fields)}
}

func copyFields(fields signaling.Fields) signaling.Fields {
	if fields == nil {
		return nil
	}
	out := make(signaling.Fields, len(fields))
	for k, v := range fields {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}
