package handlers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
)

// Dispatcher routes messages from one topic to a handler per event name.
// Events without a handler are logged and acknowledged.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]message.NoPublishHandlerFunc
	logger logging.ServiceLogger
}

func NewDispatcher(logger logging.ServiceLogger) *Dispatcher {
	return &Dispatcher{
		routes: make(map[string]message.NoPublishHandlerFunc),
		logger: logging.OrNop(logger),
	}
}

// Handle registers h for event. Each event takes one handler.
func (d *Dispatcher) Handle(event string, h message.NoPublishHandlerFunc) error {
	if event == "" {
		return lferrors.ErrEventRequired
	}
	if h == nil {
		return lferrors.ErrHandlerRequired
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[event]; exists {
		return fmt.Errorf("handler for event %q already registered", event)
	}
	d.routes[event] = h
	return nil
}

// Events lists the registered event names.
func (d *Dispatcher) Events() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for event := range d.routes {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// Dispatch is a message.NoPublishHandlerFunc.
func (d *Dispatcher) Dispatch(msg *message.Message) error {
	event := msg.Metadata.Get(metadata.KeyEvent)

	d.mu.RLock()
	h, ok := d.routes[event]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("Ignoring unhandled client event", logging.LogFields{
			"event":        event,
			"message_uuid": msg.UUID,
		})
		return nil
	}
	return h(msg)
}
