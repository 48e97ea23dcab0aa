package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "tombstone/internal/core/context"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{zap.New(core).Sugar()}, logs
}

func TestWithFields_AppliesToLaterCalls(t *testing.T) {
	log, logs := observed()
	ctx := WithLogger(context.Background(), log)
	ctx = appctx.WithActor(ctx, &appctx.Actor{Name: "hr-admin", Source: "cli"})
	ctx = WithFields(ctx, "op", "cascade.delete")
	ctx = WithFields(ctx, "cascade.entity_type", "employee")

	Info(ctx, "cascade delete completed", "dependents", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "cascade.delete", fields["op"])
	assert.Equal(t, "employee", fields["cascade.entity_type"])
	assert.Equal(t, "hr-admin", fields["actor"])
	assert.Equal(t, "cli", fields["actor_source"])
	assert.Equal(t, int64(3), fields["dependents"])
}

func TestWithFields_DoesNotRepeatContextFields(t *testing.T) {
	log, logs := observed()
	ctx := WithLogger(context.Background(), log)
	ctx = appctx.WithActor(ctx, &appctx.Actor{Name: "hr-admin"})
	ctx = WithFields(WithFields(ctx, "a", 1), "b", 2)

	Warn(ctx, "twice")

	require.Equal(t, 1, logs.Len())
	actors := 0
	for _, f := range logs.All()[0].Context {
		if f.Key == "actor" {
			actors++
		}
	}
	assert.Equal(t, 1, actors)
}

func TestFromContext_DefaultsWithoutLogger(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
}
