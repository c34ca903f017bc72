package codecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "qr:dev-1", key("dev-1", KindQR))
	assert.Equal(t, "pairing:dev-1", key("dev-1", KindPairing))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	newCache := func() *Memory {
		c := NewMemory(16, time.Hour)
		c.now = func() time.Time { return now }
		return c
	}

	t.Run("stores codes per kind", func(t *testing.T) {
		c := newCache()
		require.NoError(t, c.Set(ctx, "dev-1", KindQR, "2@qr", time.Minute))
		require.NoError(t, c.Set(ctx, "dev-1", KindPairing, "ABCD-EFGH", time.Minute))

		qr, err := c.Get(ctx, "dev-1", KindQR)
		require.NoError(t, err)
		assert.Equal(t, "2@qr", qr)

		pairing, err := c.Get(ctx, "dev-1", KindPairing)
		require.NoError(t, err)
		assert.Equal(t, "ABCD-EFGH", pairing)
	})

	t.Run("honours per-entry ttl", func(t *testing.T) {
		c := newCache()
		require.NoError(t, c.Set(ctx, "dev-1", KindQR, "2@qr", 5*time.Minute))

		c.now = func() time.Time { return now.Add(4 * time.Minute) }
		code, _ := c.Get(ctx, "dev-1", KindQR)
		assert.Equal(t, "2@qr", code)

		c.now = func() time.Time { return now.Add(5 * time.Minute) }
		code, _ = c.Get(ctx, "dev-1", KindQR)
		assert.Empty(t, code)
	})

	t.Run("delete removes both kinds", func(t *testing.T) {
		c := newCache()
		require.NoError(t, c.Set(ctx, "dev-1", KindQR, "2@qr", time.Minute))
		require.NoError(t, c.Set(ctx, "dev-1", KindPairing, "ABCD-EFGH", time.Minute))
		require.NoError(t, c.Delete(ctx, "dev-1"))

		qr, _ := c.Get(ctx, "dev-1", KindQR)
		pairing, _ := c.Get(ctx, "dev-1", KindPairing)
		assert.Empty(t, qr)
		assert.Empty(t, pairing)
	})

	t.Run("missing device returns empty", func(t *testing.T) {
		code, err := newCache().Get(ctx, "nope", KindQR)
		require.NoError(t, err)
		assert.Empty(t, code)
	})
}
