package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 3, cfg.PipelineWorkers)
	assert.Equal(t, 5*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.CacheSweepInterval)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.Equal(t, 30*time.Second, cfg.BatchMaxWait)
	assert.Equal(t, 3, cfg.RetryAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORDER_QUEUE_CAPACITY", "10")
	t.Setenv("ORDER_OFFER_TIMEOUT", "250ms")
	t.Setenv("LOCK_STRIPES", "64")
	t.Setenv("BATCH_WORKERS", "not-a-number")

	cfg := Load()

	assert.Equal(t, 10, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.OfferTimeout)
	assert.Equal(t, 64, cfg.LockStripes)
	assert.Equal(t, 4, cfg.BatchWorkers)
}
