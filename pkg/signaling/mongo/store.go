// Package mongo implements signaling.Store on a MongoDB replica set. Every
// record, nested or not, lives in one collection keyed by its full path; the
// parent collection path is kept alongside so queries and change streams can
// filter on it.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

const (
	DefaultDatabase   = "callclient"
	DefaultCollection = "records"

	idField         = "_id"
	collectionField = "collection"
	seqField        = "seq"
	revField        = "rev"
	dataField       = "data"

	updateAttempts = 8
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
)

var indexes = []mongo.IndexModel{
	{
		Keys: bson.D{
			{Key: collectionField, Value: 1},
			{Key: seqField, Value: 1},
		},
	},
}

type Option = func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCollection overrides the database and collection records live in.
// Empty names keep the defaults.
func WithCollection(database, collection string) Option {
	return func(s *Store) {
		if database != "" {
			s.database = database
		}
		if collection != "" {
			s.collection = collection
		}
	}
}

type Store struct {
	client     *mongo.Client
	owned      bool
	database   string
	collection string
	coll       *mongo.Collection
	logger     zerolog.Logger

	activeBackgroundWorkers sync.WaitGroup
	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
}

// Connect dials uri and returns a Store that disconnects the client on Close.
func Connect(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error while connecting to mongodb: %w", err)
	}

	s, err := NewStore(ctx, client, opts...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewStore uses an existing client. Change streams need a replica set or a
// sharded cluster.
func NewStore(ctx context.Context, client *mongo.Client, opts ...Option) (*Store, error) {
	s := &Store{
		client:     client,
		database:   DefaultDatabase,
		collection: DefaultCollection,
		logger:     zerolog.Nop(),
	}
	for _, option := range opts {
		option(s)
	}

	s.coll = client.Database(s.database).Collection(s.collection)
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("error while ensuring indexes: %w", err)
	}

	s.cancelCtx, s.cancelFunc = context.WithCancel(context.Background())
	return s, nil
}

func (s *Store) Create(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) Write(ctx context.Context, path string, fields signaling.Fields, merge bool) error {
	collection, id := signaling.Split(path)

	set := bson.D{
		{Key: collectionField, Value: collection},
		{Key: "id", Value: id},
	}
	if merge {
		for k, v := range resolve(fields) {
			set = append(set, bson.E{Key: dataField + "." + k, Value: v})
		}
	} else {
		set = append(set, bson.E{Key: dataField, Value: resolve(fields)})
	}

	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$inc", Value: bson.D{{Key: revField, Value: 1}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: seqField, Value: time.Now().UnixNano()}}},
	}

	if _, err := s.coll.UpdateOne(ctx, bson.D{{Key: idField, Value: path}}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("error while writing %s to mongodb: %w", path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (signaling.Record, error) {
	var doc bson.M
	if err := s.coll.FindOne(ctx, bson.D{{Key: idField, Value: path}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return signaling.Record{}, signaling.ErrNotFound
		}
		return signaling.Record{}, fmt.Errorf("error while reading %s from mongodb: %w", path, err)
	}
	return toRecord(doc), nil
}

func (s *Store) Append(ctx context.Context, collection string, fields signaling.Fields) (string, error) {
	id := uuid.NewString()
	path := signaling.Join(collection, id)

	doc := bson.D{
		{Key: idField, Value: path},
		{Key: collectionField, Value: collection},
		{Key: "id", Value: id},
		{Key: seqField, Value: time.Now().UnixNano()},
		{Key: revField, Value: 1},
		{Key: dataField, Value: resolve(fields)},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("error while appending to %s: %w", collection, err)
	}
	return id, nil
}

// Update is optimistic: the write is conditioned on the revision that was read
// and retried when another writer got there first.
func (s *Store) Update(ctx context.Context, path string, fn signaling.UpdateFunc) error {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		var doc bson.M
		if err := s.coll.FindOne(ctx, bson.D{{Key: idField, Value: path}}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return signaling.ErrNotFound
			}
			return fmt.Errorf("error while reading %s for update: %w", path, err)
		}

		fields, err := fn(toRecord(doc))
		if errors.Is(err, signaling.ErrAbort) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}

		set := bson.D{}
		for k, v := range resolve(fields) {
			set = append(set, bson.E{Key: dataField + "." + k, Value: v})
		}

		result, err := s.coll.UpdateOne(ctx, bson.D{
			{Key: idField, Value: path},
			{Key: revField, Value: doc[revField]},
		}, bson.D{
			{Key: "$set", Value: set},
			{Key: "$inc", Value: bson.D{{Key: revField, Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("error while updating %s: %w", path, err)
		}
		if result.MatchedCount == 1 {
			return nil
		}

		s.logger.Debug().Str("path", path).Int("attempt", attempt).Msg("update raced, retrying")
	}
	return fmt.Errorf("error while updating %s: too much contention", path)
}

func (s *Store) QueryWhere(ctx context.Context, q signaling.Query) ([]signaling.Record, error) {
	opts := options.Find().SetSort(sortFor(q))

	cursor, err := s.coll.Find(ctx, filterFor(q), opts)
	if err != nil {
		return nil, fmt.Errorf("error while querying %s: %w", q.Collection, err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error while reading query %s: %w", q.Collection, err)
	}

	records := make([]signaling.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, toRecord(doc))
	}
	return records, nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

func (s *Store) SubscribeRecord(ctx context.Context, path string, fn signaling.Listener) (signaling.Subscription, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey." + idField, Value: path},
		}}},
	}

	seen := false
	return s.listen(ctx, path, pipeline, fn, func(ctx context.Context) ([]signaling.Change, error) {
		record, err := s.Read(ctx, path)
		switch {
		case errors.Is(err, signaling.ErrNotFound):
			if seen {
				return nil, nil
			}
			return []signaling.Change{{Kind: signaling.ChangeRemoved, Record: signaling.Record{Path: path}}}, nil
		case err != nil:
			return nil, err
		}

		kind := signaling.ChangeModified
		if !seen {
			kind = signaling.ChangeAdded
		}
		seen = true
		return []signaling.Change{{Kind: kind, Record: record}}, nil
	}, func(event changeEvent) []signaling.Change {
		if event.OperationType == "delete" {
			return []signaling.Change{{Kind: signaling.ChangeRemoved, Record: signaling.Record{Path: path}}}
		}
		if event.FullDocument == nil {
			return nil
		}

		kind := signaling.ChangeModified
		if !seen {
			kind = signaling.ChangeAdded
		}
		seen = true
		return []signaling.Change{{Kind: kind, Record: toRecord(event.FullDocument)}}
	})
}

func (s *Store) SubscribeQuery(ctx context.Context, q signaling.Query, fn signaling.Listener) (signaling.Subscription, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument." + collectionField, Value: q.Collection},
		}}},
	}

	// matched tracks which records currently satisfy q, so an update that
	// moves a record out of the filter becomes a removal.
	matched := make(map[string]struct{})
	return s.listen(ctx, q.Collection, pipeline, fn, func(ctx context.Context) ([]signaling.Change, error) {
		records, err := s.QueryWhere(ctx, q)
		if err != nil {
			return nil, err
		}

		current := make(map[string]struct{}, len(records))
		changes := make([]signaling.Change, 0, len(records))
		for _, record := range records {
			current[record.Path] = struct{}{}
			if _, ok := matched[record.Path]; !ok {
				changes = append(changes, signaling.Change{Kind: signaling.ChangeAdded, Record: record})
			}
		}
		for path := range matched {
			if _, ok := current[path]; !ok {
				_, id := signaling.Split(path)
				changes = append(changes, signaling.Change{Kind: signaling.ChangeRemoved, Record: signaling.Record{ID: id, Path: path}})
			}
		}
		matched = current
		return changes, nil
	}, func(event changeEvent) []signaling.Change {
		if event.FullDocument == nil {
			return nil
		}

		record := toRecord(event.FullDocument)
		_, was := matched[record.Path]
		is := q.Matches(record.Fields)

		switch {
		case !was && is:
			matched[record.Path] = struct{}{}
			return []signaling.Change{{Kind: signaling.ChangeAdded, Record: record}}
		case was && is:
			return []signaling.Change{{Kind: signaling.ChangeModified, Record: record}}
		case was && !is:
			delete(matched, record.Path)
			return []signaling.Change{{Kind: signaling.ChangeRemoved, Record: record}}
		default:
			return nil
		}
	})
}

// listen opens the change stream before taking the snapshot so no write falls
// between the two. snapshot and apply only run on the listener goroutine.
func (s *Store) listen(
	ctx context.Context,
	label string,
	pipeline mongo.Pipeline,
	fn signaling.Listener,
	snapshot func(context.Context) ([]signaling.Change, error),
	apply func(changeEvent) []signaling.Change,
) (signaling.Subscription, error) {
	ctx2, cancel2 := context.WithCancel(ctx)
	unregister := context.AfterFunc(s.cancelCtx, cancel2)

	open := func() (*mongo.ChangeStream, error) {
		return s.coll.Watch(ctx2, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	}

	cs, err := open()
	if err != nil {
		unregister()
		cancel2()
		return nil, fmt.Errorf("error while watching %s: %w", label, err)
	}

	s.activeBackgroundWorkers.Add(1)
	go func() {
		defer s.activeBackgroundWorkers.Done()

		backoff := minBackoff
		delivered := false
		for {
			if cs != nil {
				err = s.drain(ctx2, cs, fn, snapshot, apply, &delivered)
				_ = cs.Close(context.Background())
				cs = nil
			}
			if ctx2.Err() != nil {
				return
			}

			s.logger.Warn().Err(err).Str("path", label).Dur("retry_in", backoff).Msg("change stream failed")
			fn(nil, err)

			select {
			case <-ctx2.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, maxBackoff)

			cs, err = open()
		}
	}()

	return signaling.SubscriptionFunc(func() {
		unregister()
		cancel2()
	}), nil
}

func (s *Store) drain(
	ctx context.Context,
	cs *mongo.ChangeStream,
	fn signaling.Listener,
	snapshot func(context.Context) ([]signaling.Change, error),
	apply func(changeEvent) []signaling.Change,
	delivered *bool,
) error {
	changes, err := snapshot(ctx)
	if err != nil {
		return err
	}
	if !*delivered || len(changes) > 0 {
		fn(changes, nil)
		*delivered = true
	}

	for cs.Next(ctx) {
		var event changeEvent
		if err := cs.Decode(&event); err != nil {
			s.logger.Error().Err(err).Msg("failed to decode change event")
			continue
		}
		if changes := apply(event); len(changes) > 0 {
			fn(changes, nil)
		}
	}
	if err := cs.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()

	if s.owned {
		if err := s.client.Disconnect(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("failed to disconnect mongodb client")
			return err
		}
	}
	return nil
}

func filterFor(q signaling.Query) bson.D {
	filter := bson.D{{Key: collectionField, Value: q.Collection}}
	for _, f := range q.Filters {
		filter = append(filter, bson.E{Key: dataField + "." + f.Field, Value: f.Value})
	}
	return filter
}

func sortFor(q signaling.Query) bson.D {
	if q.OrderBy == "" {
		return bson.D{{Key: seqField, Value: 1}}
	}
	return bson.D{
		{Key: dataField + "." + q.OrderBy, Value: 1},
		{Key: seqField, Value: 1},
	}
}

// resolve replaces ServerTimestamp with the local clock. MongoDB has no write
// sentinel usable inside a replacement document.
func resolve(fields signaling.Fields) bson.M {
	out := make(bson.M, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case map[string]any:
			out[k] = resolve(value)
		default:
			if signaling.IsServerTimestamp(v) {
				out[k] = time.Now().UTC()
				continue
			}
			out[k] = v
		}
	}
	return out
}

func toRecord(doc bson.M) signaling.Record {
	path, _ := doc[idField].(string)
	_, id := signaling.Split(path)

	var fields signaling.Fields
	if data, ok := doc[dataField].(bson.M); ok {
		fields = normalize(data)
	}
	return signaling.Record{ID: id, Path: path, Fields: fields}
}

// normalize converts driver types to the plain Go values the rest of the
// module compares against.
func normalize(m bson.M) signaling.Fields {
	out := make(signaling.Fields, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch value := v.(type) {
	case bson.M:
		return normalize(value)
	case bson.D:
		return normalize(value.Map())
	case bson.A:
		out := make([]any, len(value))
		for i := range value {
			out[i] = normalizeValue(value[i])
		}
		return out
	case primitive.DateTime:
		return value.Time().UTC()
	case int32:
		return int64(value)
	default:
		return v
	}
}
