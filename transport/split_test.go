package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type topicRecorder struct {
	mockSubscriber
	topics []string
}

func (r *topicRecorder) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	r.topics = append(r.topics, topic)
	return r.mockSubscriber.Subscribe(ctx, topic)
}

func TestSplitSubscriberRoutesByTopic(t *testing.T) {
	work, fanOut := &topicRecorder{}, &topicRecorder{}
	sub := SplitSubscriber{Work: work, FanOut: fanOut}

	for _, topic := range []string{"liveflow.client", "conversation.c1", "typing.c1"} {
		_, err := sub.Subscribe(context.Background(), topic)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"liveflow.client"}, work.topics)
	assert.Equal(t, []string{"conversation.c1", "typing.c1"}, fanOut.topics)

	require.NoError(t, sub.Close())
	assert.Equal(t, 1, work.closed)
	assert.Equal(t, 1, fanOut.closed)
}

func TestIsClientEventTopic(t *testing.T) {
	assert.True(t, IsClientEventTopic("liveflow.client"))
	assert.False(t, IsClientEventTopic("liveflow:client"))
	assert.False(t, IsClientEventTopic("presence.c1"))
}

func TestInstanceIDIsStable(t *testing.T) {
	first := InstanceID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, InstanceID())
}
