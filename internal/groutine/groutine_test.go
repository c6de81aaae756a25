//go:build test

package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_LabelsContext(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "central-event-loop", func(ctx context.Context) { got <- Name(ctx) })

	select {
	case name := <-got:
		assert.Equal(t, "central-event-loop", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST run")
	}
}

func TestGo_KeepsParentValues(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "adapter")

	got := make(chan any, 1)
	Go(parent, "worker", func(ctx context.Context) { got <- ctx.Value(key{}) })
	assert.Equal(t, "adapter", <-got)
}

func TestName_Unlabelled(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil))
}
