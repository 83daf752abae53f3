package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("liveflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("liveflow: logger is required")
	ErrPublisherRequired    = sterrors.New("liveflow: publisher is required")
	ErrChannelRequired      = sterrors.New("liveflow: channel is required")
	ErrMessageRequired      = sterrors.New("liveflow: message is required")
	ErrConversationRequired = sterrors.New("liveflow: conversation id is required")
	ErrSenderRequired       = sterrors.New("liveflow: sender id is required")
	ErrUserRequired         = sterrors.New("liveflow: user id is required")
	ErrUnknownContentType   = sterrors.New("liveflow: unknown content type")
	ErrMessageTooLarge      = sterrors.New("liveflow: message exceeds transport size limit")
	ErrUnknownMessage       = sterrors.New("liveflow: unknown message")
	ErrProbeTimeout         = sterrors.New("liveflow: connection probe timed out")
	ErrClosed               = sterrors.New("liveflow: component is closed")

	ErrServiceRequired             = sterrors.New("liveflow: service is required")
	ErrHandlerRequired             = sterrors.New("liveflow: handler is required")
	ErrHandlerNameRequired         = sterrors.New("liveflow: handler name is required")
	ErrEventRequired               = sterrors.New("liveflow: event name is required")
	ErrConsumeQueueRequired        = sterrors.New("liveflow: consume queue is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("liveflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("liveflow: consume message type must be a pointer")

	// ErrDuplicateMessage is returned when a message ID is submitted again
	// inside the duplicate-detection window. Callers must not retry with the
	// same ID.
	ErrDuplicateMessage = sterrors.New("liveflow: duplicate message")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("liveflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
