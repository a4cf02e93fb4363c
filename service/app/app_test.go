package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brojonat/escrowd/service/audit"
	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepInput(t *testing.T) {
	cfg := &config.Config{
		SweepStaleAfter:     30 * time.Minute,
		SweepReviewAfter:    72 * time.Hour,
		SweepLimit:          200,
		WebhookMaxAttempts:  10,
		WebhookPendingAfter: 10 * time.Minute,
	}

	in := SweepInput(cfg)
	assert.Equal(t, 30*time.Minute, in.StaleAfter)
	assert.Equal(t, 72*time.Hour, in.ReviewAfter)
	assert.Equal(t, int32(200), in.Limit)
	assert.Equal(t, int32(10), in.WebhookMaxAttempts)
	assert.Equal(t, 10*time.Minute, in.WebhookPendingAfter)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("local without redis", func(t *testing.T) {
		c := &Core{logger: slog.Default()}
		l, err := c.locker(ctx, &config.Config{})
		require.NoError(t, err)
		assert.IsType(t, &lock.Local{}, l)
		assert.Empty(t, c.closers)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c := &Core{logger: slog.Default()}
		defer c.Close()

		l, err := c.locker(ctx, &config.Config{RedisURL: "redis://" + mr.Addr()})
		require.NoError(t, err)
		assert.IsType(t, &lock.Redis{}, l)
		assert.Len(t, c.closers, 1)

		ran := false
		require.NoError(t, l.WithLock(ctx, "escrow:offering-1", func(context.Context) error {
			ran = true
			return nil
		}))
		assert.True(t, ran)
	})

	t.Run("bad url", func(t *testing.T) {
		c := &Core{logger: slog.Default()}
		_, err := c.locker(ctx, &config.Config{RedisURL: "not a url"})
		assert.ErrorContains(t, err, "invalid REDIS_URL")
	})
}

func TestAuditSink_LogOnly(t *testing.T) {
	c := &Core{logger: slog.Default()}
	sink, err := c.auditSink(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &audit.LogSink{}, sink)
}

func TestClose_ReverseOrder(t *testing.T) {
	var order []int
	c := &Core{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	c.Close()
	c.Close()
	assert.Equal(t, []int{2, 1}, order)
}
