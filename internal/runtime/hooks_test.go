package runtime

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/models"
)

func TestEventHooksMiddlewareSuccess(t *testing.T) {
	var started, done []string
	mw := eventHooksMiddleware(EventHooks{
		OnStart: func(ctx EventContext) { started = append(started, ctx.Event) },
		OnDone:  func(ctx EventContext) { done = append(done, ctx.Event) },
		OnError: func(EventContext, error) { t.Fatal("unexpected error hook") },
	})

	h := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })
	_, err := h(newInboundMessage(models.ClientActivity))
	require.NoError(t, err)

	assert.Equal(t, []string{models.ClientActivity}, started)
	assert.Equal(t, []string{models.ClientActivity}, done)
}

func TestEventHooksMiddlewareError(t *testing.T) {
	boom := errors.New("boom")
	var got error
	var gotCtx EventContext
	mw := eventHooksMiddleware(EventHooks{
		OnDone: func(EventContext) { t.Fatal("unexpected done hook") },
		OnError: func(ctx EventContext, err error) {
			gotCtx = ctx
			got = err
		},
	})

	msg := newInboundMessage(models.ClientQuality)
	h := mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })
	_, err := h(msg)

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, got, boom)
	assert.Equal(t, msg.UUID, gotCtx.MessageUUID)
	assert.Equal(t, models.ClientQuality, gotCtx.Event)
	assert.False(t, gotCtx.StartedAt.IsZero())
}

func TestEventHooksMerge(t *testing.T) {
	var order []string
	first := EventHooks{OnStart: func(EventContext) { order = append(order, "first") }}
	second := EventHooks{
		OnStart: func(EventContext) { order = append(order, "second") },
		OnError: func(EventContext, error) { order = append(order, "error") },
	}

	merged := first.Merge(second)
	merged.OnStart(EventContext{})
	merged.OnError(EventContext{}, errors.New("x"))

	assert.Equal(t, []string{"first", "second", "error"}, order)
	assert.Nil(t, merged.OnDone)
	assert.True(t, EventHooks{}.empty())
	assert.False(t, merged.empty())
}

func TestLoggingHooks(t *testing.T) {
	hooks := LoggingHooks(logging.NopLogger())
	assert.NotNil(t, hooks.OnDone)
	assert.NotNil(t, hooks.OnError)
	assert.Nil(t, hooks.OnStart)

	assert.NotPanics(t, func() {
		hooks.OnDone(EventContext{Event: models.ClientRead})
		hooks.OnError(EventContext{Event: models.ClientRead}, errors.New("x"))
	})
	assert.NotPanics(t, func() { LoggingHooks(nil).OnDone(EventContext{}) })
}
