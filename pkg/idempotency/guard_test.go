package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyIsStablePerWindow(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 5, 0, 0, time.UTC)

	k1 := GenerateKey(base, time.Hour, "rx-1", "awaiting_gp")
	k2 := GenerateKey(base.Add(40*time.Minute), time.Hour, "rx-1", "awaiting_gp")
	k3 := GenerateKey(base.Add(time.Hour), time.Hour, "rx-1", "awaiting_gp")
	k4 := GenerateKey(base, time.Hour, "rx-1", "awaiting_pharmacy")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.Len(t, k1, 64)
}

func TestMemoryGuardClaimsOncePerTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	g := NewMemoryGuard()
	g.now = func() time.Time { return now }

	ok, err := g.Claim(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Hour)
	ok, err = g.Claim(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims can be taken again")
}
