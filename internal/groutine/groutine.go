// Package groutine starts goroutines that carry a name in their pprof labels,
// so radio loops and dispatch workers can be told apart in profiles and logs.
package groutine

import (
	"context"
	"runtime/pprof"
)

const nameLabel = "goroutine_name"

// Go runs fn on a new goroutine labelled name. ctx may be nil.
//
//	groutine.Go(ctx, "bluez-signals", func(ctx context.Context) {
//	    logger.WithField("goroutine", groutine.Name(ctx)).Debug("started")
//	})
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels(nameLabel, name), fn)
}

// Name returns the label set by Go, or "" outside such a goroutine's context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := pprof.Label(ctx, nameLabel)
	return name
}
