package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("store", func(context.Context) Status { return Status{Name: "store", Healthy: true} })
	r.RegisterPing("hub", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "store", statuses[0].Name)
	assert.Equal(t, "hub", statuses[1].Name)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPing("store", func(context.Context) error { return errors.New("connection refused") })
	r.RegisterPing("hub", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("timer", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "timer", statuses[0].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	r.Register("slow", func(context.Context) Status {
		<-block
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Less(t, time.Since(start), time.Second)
}
