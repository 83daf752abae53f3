package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveflow/internal/runtime/channels"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/metadata"
	"github.com/drblury/liveflow/internal/runtime/models"
)

type reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

func TestRegisterClientEventValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	noop := func(context.Context, handlers.JSONMessageContext[*reaction]) error { return nil }

	assert.ErrorIs(t, RegisterClientEvent(nil, ClientEventRegistration[*reaction]{Event: "x", Handler: noop}), lferrors.ErrServiceRequired)
	assert.ErrorIs(t, RegisterClientEvent(svc, ClientEventRegistration[*reaction]{Handler: noop}), lferrors.ErrEventRequired)
	assert.Error(t, RegisterClientEvent(svc, ClientEventRegistration[*reaction]{Event: "client.reaction"}))
	assert.Error(t, RegisterClientEvent(svc, ClientEventRegistration[reaction]{
		Event:   "client.reaction",
		Handler: func(context.Context, handlers.JSONMessageContext[reaction]) error { return nil },
	}))
	assert.ErrorContains(t, RegisterClientEvent(svc, ClientEventRegistration[*reaction]{Event: models.ClientRead, Handler: noop}), "already registered")
}

func TestRegisterClientEventHandlesCustomEvent(t *testing.T) {
	svc := newTestService(t, nil, nil)
	received := make(chan handlers.JSONMessageContext[*reaction], 1)

	require.NoError(t, RegisterClientEvent(svc, ClientEventRegistration[*reaction]{
		Event: "client.reaction",
		Handler: func(_ context.Context, evt handlers.JSONMessageContext[*reaction]) error {
			received <- evt
			return nil
		},
	}))
	startService(t, svc)

	require.NoError(t, svc.Publish(context.Background(), channels.Inbound, "client.reaction", reaction{MessageID: "m1", UserID: "u1", Emoji: "+1"}))

	select {
	case evt := <-received:
		assert.Equal(t, "+1", evt.Payload.Emoji)
		assert.Equal(t, "client.reaction", evt.Event())
		assert.NotEmpty(t, evt.CorrelationID())
	case <-time.After(2 * time.Second):
		t.Fatal("custom event not handled")
	}

	var info *HandlerInfo
	for _, h := range svc.Handlers() {
		if h.Event == "client.reaction" {
			info = h
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, "client-event:client.reaction", info.Name)
}

func TestRegisterMessageHandlerValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	noop := func(*message.Message) error { return nil }

	assert.ErrorIs(t, RegisterMessageHandler(nil, MessageHandlerRegistration{}), lferrors.ErrServiceRequired)
	assert.ErrorIs(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "n", ConsumeQueue: "q"}), lferrors.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterMessageHandler(svc, MessageHandlerRegistration{ConsumeQueue: "q", Handler: noop}), lferrors.ErrHandlerNameRequired)
	assert.ErrorIs(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "n", Handler: noop}), lferrors.ErrConsumeQueueRequired)

	err := RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "n", ConsumeQueue: channels.Inbound, Handler: noop})
	assert.ErrorContains(t, err, "use RegisterClientEvent")

	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "audit", ConsumeQueue: "moderation:c9", Handler: noop}))
	err = RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "audit", ConsumeQueue: "moderation:c10", Handler: noop})
	assert.ErrorContains(t, err, "already registered")

	handlers := svc.Handlers()
	assert.Equal(t, "moderation.c9", handlers[len(handlers)-1].ConsumeQueue)
}

func TestRegisterMessageHandlerConsumesTopic(t *testing.T) {
	svc := newTestService(t, nil, nil)
	events := make(chan string, 1)

	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         "moderation-audit",
		ConsumeQueue: channels.Moderation("c1"),
		Handler: func(msg *message.Message) error {
			events <- msg.Metadata.Get(metadata.KeyEvent)
			return nil
		},
	}))
	startService(t, svc)

	require.NoError(t, svc.Publish(context.Background(), channels.Moderation("c1"), "flagged", map[string]string{"messageId": "m1"}))

	select {
	case event := <-events:
		assert.Equal(t, "flagged", event)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not consume topic")
	}

	stats := svc.Handlers()
	last := stats[len(stats)-1]
	assert.Equal(t, "moderation-audit", last.Name)
	assert.Eventually(t, func() bool {
		last.Stats.mu.Lock()
		defer last.Stats.mu.Unlock()
		return last.Stats.MessagesProcessed == 1
	}, time.Second, 10*time.Millisecond)
}
