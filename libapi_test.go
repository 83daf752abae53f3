package liveflow

import (
	"context"
	"errors"
	"testing"
)

type reactionEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func TestHandlerExportsPropagateErrors(t *testing.T) {
	err := RegisterClientEvent(nil, ClientEventRegistration[*reactionEvent]{
		Event:   "client.reaction",
		Handler: func(context.Context, JSONMessageContext[*reactionEvent]) error { return nil },
	})
	if !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}

	if err := RegisterMessageHandler(nil, MessageHandlerRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestNewServiceExport(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(ctx, &Config{}, NopLogger(), ServiceDependencies{})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	defer func() { _ = svc.Close() }()

	res, err := svc.Broadcast(ctx, Message{
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hi",
		ContentType:    ContentText,
	}, []string{"bob"}, BroadcastOptions{QueueOffline: true})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if res.Pending != 1 || res.Outcomes["bob"] != "queued" {
		t.Fatalf("expected bob to be queued, got %+v", res)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestChannelExports(t *testing.T) {
	if got := ChannelTopic(ConversationChannel("c1")); got != "conversation.c1" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := CoachingChannel("bob", "c1"); got != "coaching:bob:c1" {
		t.Fatalf("unexpected coaching channel %q", got)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyEvent, ClientRead)
	if md.Event() != ClientRead {
		t.Fatalf("expected metadata to carry event, got %#v", md)
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryValidation != "validation" {
		t.Fatalf("expected ErrorCategoryValidation to be 'validation', got %q", ErrorCategoryValidation)
	}
}

func TestBuildTransportReportsUnknownBackend(t *testing.T) {
	_, err := BuildTransport(context.Background(), &Config{PubSubSystem: "carrier-pigeon"}, nil)

	var unknown *UnknownTransportError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown transport error, got %v", err)
	}
	if unknown.Name != "carrier-pigeon" {
		t.Fatalf("unexpected name %q", unknown.Name)
	}
}
