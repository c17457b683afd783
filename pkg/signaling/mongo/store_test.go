package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

func TestFilterFor(t *testing.T) {
	q := signaling.Query{Collection: "calls"}.Where("callee", "bob").Where("status", "offering")

	assert.Equal(t, bson.D{
		{Key: collectionField, Value: "calls"},
		{Key: "data.callee", Value: "bob"},
		{Key: "data.status", Value: "offering"},
	}, filterFor(q))
}

func TestSortFor(t *testing.T) {
	assert.Equal(t, bson.D{{Key: seqField, Value: 1}}, sortFor(signaling.Query{Collection: "calls"}))
	assert.Equal(t, bson.D{
		{Key: "data.seq", Value: 1},
		{Key: seqField, Value: 1},
	}, sortFor(signaling.Query{Collection: "calls/a/offerCandidates", OrderBy: "seq"}))
}

func TestResolveReplacesServerTimestamps(t *testing.T) {
	before := time.Now().UTC()
	out := resolve(signaling.Fields{
		"createdAt": signaling.ServerTimestamp,
		"offer":     map[string]any{"sdp": "v=0", "at": signaling.ServerTimestamp},
		"status":    "offering",
	})

	created, ok := out["createdAt"].(time.Time)
	require.True(t, ok)
	assert.False(t, created.Before(before))

	offer, ok := out["offer"].(bson.M)
	require.True(t, ok)
	assert.IsType(t, time.Time{}, offer["at"])
	assert.Equal(t, "offering", out["status"])
}

func TestToRecordNormalizesDriverTypes(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	record := toRecord(bson.M{
		idField:         "calls/abc",
		collectionField: "calls",
		dataField: bson.M{
			"createdAt": primitive.NewDateTimeFromTime(at),
			"seq":       int32(3),
			"offer":     bson.D{{Key: "sdp", Value: "v=0"}, {Key: "type", Value: "offer"}},
			"tags":      bson.A{"a", int32(1)},
		},
	})

	assert.Equal(t, "abc", record.ID)
	assert.Equal(t, "calls/abc", record.Path)

	created, ok := record.Time("createdAt")
	require.True(t, ok)
	assert.True(t, at.Equal(created))
	assert.Equal(t, int64(3), record.Fields["seq"])

	offer, ok := record.Map("offer")
	require.True(t, ok)
	assert.Equal(t, "v=0", offer["sdp"])
	assert.Equal(t, []any{"a", int64(1)}, record.Fields["tags"])
}

func TestWithCollectionKeepsDefaults(t *testing.T) {
	s := &Store{database: DefaultDatabase, collection: DefaultCollection}

	WithCollection("", "")(s)
	assert.Equal(t, DefaultDatabase, s.database)
	assert.Equal(t, DefaultCollection, s.collection)

	WithCollection("calls-db", "")(s)
	assert.Equal(t, "calls-db", s.database)
	assert.Equal(t, DefaultCollection, s.collection)
}
