// Package firestore implements signaling.Store on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type Option = func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type Store struct {
	app    *firebase.App
	client *firestore.Client
	logger zerolog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStore connects to the Firestore project. An empty projectID and nil
// credentials fall back to CredentialsFromEnv.
func NewStore(ctx context.Context, projectID string, credentials option.ClientOption, options ...Option) (*Store, error) {
	if credentials == nil {
		var (
			envProject string
			err        error
		)
		if credentials, envProject, err = CredentialsFromEnv(); err != nil {
			return nil, err
		}
		if projectID == "" {
			projectID = envProject
		}
	}

	var config *firebase.Config
	if projectID != "" {
		config = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, config, credentials)
	if err != nil {
		return nil, fmt.Errorf("error while creating firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error while creating firestore client: %w", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())

	s := &Store{
		app:    app,
		client: client,
		logger: zerolog.Nop(),
		ctx:    ctx2,
		cancel: cancel2,
	}
	for _, option := range options {
		option(s)
	}

	return s, nil
}

func (s *Store) Create(_ context.Context, collection string) (string, error) {
	return s.client.Collection(collection).NewDoc().ID, nil
}

func (s *Store) Write(ctx context.Context, path string, fields signaling.Fields, merge bool) error {
	var err error
	if merge {
		_, err = s.client.Doc(path).Set(ctx, toFirestore(fields), firestore.MergeAll)
	} else {
		_, err = s.client.Doc(path).Set(ctx, toFirestore(fields))
	}
	if err != nil {
		return fmt.Errorf("error while writing %s to firestore: %w", path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (signaling.Record, error) {
	snapshot, err := s.client.Doc(path).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return signaling.Record{}, signaling.ErrNotFound
		}
		return signaling.Record{}, fmt.Errorf("error while reading %s from firestore: %w", path, err)
	}
	return toRecord(snapshot), nil
}

func (s *Store) Append(ctx context.Context, collection string, fields signaling.Fields) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, toFirestore(fields))
	if err != nil {
		return "", fmt.Errorf("error while appending to %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *Store) Update(ctx context.Context, path string, fn signaling.UpdateFunc) error {
	ref := s.client.Doc(path)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return signaling.ErrNotFound
			}
			return err
		}

		fields, err := fn(toRecord(snapshot))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}

		return tx.Set(ref, toFirestore(fields), firestore.MergeAll)
	})

	switch {
	case err == nil, errors.Is(err, signaling.ErrAbort):
		return nil
	case errors.Is(err, signaling.ErrNotFound):
		return signaling.ErrNotFound
	default:
		return fmt.Errorf("error while updating %s: %w", path, err)
	}
}

func (s *Store) QueryWhere(ctx context.Context, q signaling.Query) ([]signaling.Record, error) {
	snapshots, err := s.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("error while querying %s: %w", q.Collection, err)
	}

	records := make([]signaling.Record, 0, len(snapshots))
	for _, snapshot := range snapshots {
		records = append(records, toRecord(snapshot))
	}
	return records, nil
}

func (s *Store) SubscribeRecord(ctx context.Context, path string, fn signaling.Listener) (signaling.Subscription, error) {
	ctx2, cancel2 := context.WithCancel(ctx)

	s.listen(ctx2, path, fn, func(ctx context.Context) error {
		it := s.client.Doc(path).Snapshots(ctx)
		defer it.Stop()

		seen := false
		for {
			snapshot, err := it.Next()
			if err != nil {
				return err
			}

			change := signaling.Change{Kind: signaling.ChangeModified, Record: signaling.Record{ID: snapshot.Ref.ID, Path: path}}
			switch {
			case !snapshot.Exists():
				change.Kind = signaling.ChangeRemoved
			case !seen:
				change.Kind = signaling.ChangeAdded
				change.Record = toRecord(snapshot)
			default:
				change.Record = toRecord(snapshot)
			}
			seen = seen || snapshot.Exists()

			fn([]signaling.Change{change}, nil)
		}
	})

	return s.subscription(cancel2), nil
}

func (s *Store) SubscribeQuery(ctx context.Context, q signaling.Query, fn signaling.Listener) (signaling.Subscription, error) {
	ctx2, cancel2 := context.WithCancel(ctx)

	s.listen(ctx2, q.Collection, fn, func(ctx context.Context) error {
		it := s.query(q).Snapshots(ctx)
		defer it.Stop()

		for {
			snapshot, err := it.Next()
			if err != nil {
				return err
			}

			changes := make([]signaling.Change, 0, len(snapshot.Changes))
			for _, change := range snapshot.Changes {
				changes = append(changes, signaling.Change{Kind: toKind(change.Kind), Record: toRecord(change.Doc)})
			}
			if len(changes) == 0 {
				continue
			}

			fn(changes, nil)
		}
	})

	return s.subscription(cancel2), nil
}

// listen runs one snapshot listener until ctx ends. A listener that fails is
// reported to fn and re-opened after a backoff; a re-opened query listener
// replays the current state as added changes.
func (s *Store) listen(ctx context.Context, label string, fn signaling.Listener, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := minBackoff
		for {
			err := run(ctx)
			if s.stopped(ctx, err) {
				return
			}

			s.logger.Warn().Err(err).Str("path", label).Dur("retry_in", backoff).Msg("listener failed")
			fn(nil, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, maxBackoff)
		}
	}()
}

func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close firestore client")
		return err
	}
	return nil
}

func (s *Store) query(q signaling.Query) firestore.Query {
	query := s.client.Collection(q.Collection).Query
	for _, filter := range q.Filters {
		query = query.Where(filter.Field, "==", filter.Value)
	}
	if q.OrderBy != "" {
		query = query.OrderBy(q.OrderBy, firestore.Asc)
	}
	return query
}

func (s *Store) stopped(ctx context.Context, err error) bool {
	if ctx.Err() != nil || s.ctx.Err() != nil {
		return true
	}
	code := status.Code(err)
	return code == codes.Canceled || errors.Is(err, context.Canceled)
}

// subscription ties a listener goroutine to both its own cancel and the store
// lifetime. The iterator itself is stopped by the listener goroutine, since
// Stop must not race with Next.
func (s *Store) subscription(cancel context.CancelFunc) signaling.Subscription {
	unregister := context.AfterFunc(s.ctx, cancel)
	return signaling.SubscriptionFunc(func() {
		unregister()
		cancel()
	})
}

func toKind(kind firestore.DocumentChangeKind) signaling.ChangeKind {
	switch kind {
	case firestore.DocumentAdded:
		return signaling.ChangeAdded
	case firestore.DocumentRemoved:
		return signaling.ChangeRemoved
	default:
		return signaling.ChangeModified
	}
}

func toRecord(snapshot *firestore.DocumentSnapshot) signaling.Record {
	return signaling.Record{
		ID:     snapshot.Ref.ID,
		Path:   relativePath(snapshot.Ref.Path),
		Fields: snapshot.Data(),
	}
}

// relativePath strips the "projects/<p>/databases/<d>/documents/" prefix of a
// resource name.
func relativePath(name string) string {
	const marker = "/documents/"
	if i := strings.Index(name, marker); i >= 0 {
		return name[i+len(marker):]
	}
	return name
}

func toFirestore(fields signaling.Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case map[string]any:
			out[k] = toFirestore(value)
		default:
			if signaling.IsServerTimestamp(v) {
				out[k] = firestore.ServerTimestamp
				continue
			}
			out[k] = v
		}
	}
	return out
}
