// Package handlers turns typed callbacks into Watermill handlers for the
// client events liveflow consumes.
package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
)

// UnprocessableEventError marks a payload that can never be handled, such as
// malformed JSON. Retrying it is pointless.
type UnprocessableEventError struct {
	Event   string
	Payload string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("unprocessable %s event: %v", e.Event, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}

// JSONMessageContext exposes the decoded payload and metadata of one event.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes one decoded event.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed JSON handler into a Watermill handler. T
// must be a pointer type.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger logging.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if handler == nil {
		return nil, lferrors.ErrHandlerRequired
	}

	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	return func(msg *message.Message) error {
		md := metadata.FromWatermill(msg.Metadata)
		typed := newPayload()
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return &UnprocessableEventError{
				Event:   md.Event(),
				Payload: string(msg.Payload),
				Err:     fmt.Errorf("decode payload: %w", err),
			}
		}

		return handler(msg.Context(), JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{Metadata: md, Logger: logger},
			Payload:            typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, lferrors.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, lferrors.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
