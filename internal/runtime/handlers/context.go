package handlers

import (
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
)

// MessageContextBase carries the metadata and logger shared by every inbound
// event context.
type MessageContextBase struct {
	Metadata metadata.Metadata
	Logger   logging.ServiceLogger
}

// CloneMetadata returns a copy of the metadata map.
func (b MessageContextBase) CloneMetadata() metadata.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// Event returns the liveflow event name the message was published as.
func (b MessageContextBase) Event() string {
	return b.Metadata.Event()
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadata.KeyCorrelationID]
}
