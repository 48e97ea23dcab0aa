// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SystemActor is recorded when an operation runs without a caller identity,
// such as the retention worker.
const SystemActor = "system"

// Actor identifies who requested a cascade operation.
// Authentication happens upstream; the engine only records the name.
type Actor struct {
	Name   string
	Source string // "http", "cli", "worker"
}

type actorKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// GetActor returns Actor from context.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// ActorName returns the actor name from context or SystemActor.
func ActorName(ctx context.Context) string {
	if a := GetActor(ctx); a != nil && a.Name != "" {
		return a.Name
	}
	return SystemActor
}
