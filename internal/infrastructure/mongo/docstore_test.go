package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/drfirst/go-rxcollect/internal/store"
)

func TestToBSON(t *testing.T) {
	cutoff := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	q, err := toBSON(store.Where(
		store.Eq("patient_id", "p1"),
		store.In("status", "requested", "gp_approved"),
		store.Before("expires_at", cutoff),
	))
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "patient_id", Value: "p1"},
		{Key: "status", Value: bson.M{"$in": []any{"requested", "gp_approved"}}},
		{Key: "expires_at", Value: bson.M{"$lt": cutoff}},
	}, q)
}

func TestToBSONEmptyIn(t *testing.T) {
	q, err := toBSON(store.Where(store.In("status")))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "status", Value: bson.M{"$in": []any{}}}}, q)

	_, err = toBSON(store.Where(store.Eq("$where", "1")))
	assert.Error(t, err)
}
