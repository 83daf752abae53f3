package runtime

import (
	"context"
	"errors"
	"time"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/quality"
)

// registerClientEvents binds the built-in client.* events and probe acks to
// the Service operations.
func (s *Service) registerClientEvents() error {
	return errors.Join(
		RegisterClientEvent(s, ClientEventRegistration[*models.ClientReceipt]{
			Event:   models.ClientDelivered,
			Handler: s.handleDelivered,
		}),
		RegisterClientEvent(s, ClientEventRegistration[*models.ClientReceipt]{
			Event:   models.ClientRead,
			Handler: s.handleRead,
		}),
		RegisterClientEvent(s, ClientEventRegistration[*models.ClientSignal]{
			Event:   models.ClientTyping,
			Handler: s.handleTyping,
		}),
		RegisterClientEvent(s, ClientEventRegistration[*models.ClientSignal]{
			Event:   models.ClientActivity,
			Handler: s.handleActivity,
		}),
		RegisterClientEvent(s, ClientEventRegistration[*models.ClientQualitySample]{
			Event:   models.ClientQuality,
			Handler: s.handleQuality,
		}),
		RegisterClientEvent(s, ClientEventRegistration[*models.Probe]{
			Event:   models.EventProbeAck,
			Handler: s.handleProbeAck,
		}),
	)
}

func (s *Service) handleDelivered(ctx context.Context, evt handlers.JSONMessageContext[*models.ClientReceipt]) error {
	r := evt.Payload
	if err := requireReceipt(evt.Event(), r); err != nil {
		return err
	}
	latency := time.Duration(r.LatencyMS * float64(time.Millisecond))
	if !s.ConfirmDelivery(ctx, r.MessageID, r.UserID, latency) {
		evt.Logger.Debug("Delivery receipt did not advance status", logging.LogFields{
			"message_id": r.MessageID,
			"user_id":    r.UserID,
		})
	}
	return nil
}

func (s *Service) handleRead(ctx context.Context, evt handlers.JSONMessageContext[*models.ClientReceipt]) error {
	r := evt.Payload
	if err := requireReceipt(evt.Event(), r); err != nil {
		return err
	}
	if !s.MarkAsRead(ctx, r.MessageID, r.UserID) {
		evt.Logger.Debug("Read receipt did not advance status", logging.LogFields{
			"message_id": r.MessageID,
			"user_id":    r.UserID,
		})
	}
	return nil
}

func (s *Service) handleTyping(ctx context.Context, evt handlers.JSONMessageContext[*models.ClientSignal]) error {
	sig := evt.Payload
	if !sig.Typing {
		s.StopTyping(ctx, sig.UserID, sig.ConversationID)
		return nil
	}
	return unprocessableIfInvalid(evt.Event(), s.SignalTyping(ctx, sig.UserID, sig.ConversationID))
}

func (s *Service) handleActivity(ctx context.Context, evt handlers.JSONMessageContext[*models.ClientSignal]) error {
	_, err := s.RecordActivity(ctx, evt.Payload.UserID, evt.Payload.ConversationID)
	return unprocessableIfInvalid(evt.Event(), err)
}

func (s *Service) handleQuality(_ context.Context, evt handlers.JSONMessageContext[*models.ClientQualitySample]) error {
	q := evt.Payload
	_, err := s.RecordQualityMeasurement(quality.Sample{
		UserID:      q.UserID,
		Latency:     time.Duration(q.LatencyMS * float64(time.Millisecond)),
		Reliability: q.Reliability,
		PacketLoss:  q.PacketLoss,
	})
	return unprocessableIfInvalid(evt.Event(), err)
}

func (s *Service) handleProbeAck(_ context.Context, evt handlers.JSONMessageContext[*models.Probe]) error {
	if !s.bridge.AckProbe(evt.Payload.ProbeID) {
		evt.Logger.Debug("Ignoring late probe ack", logging.LogFields{"probe_id": evt.Payload.ProbeID})
	}
	return nil
}

func requireReceipt(event string, r *models.ClientReceipt) error {
	switch {
	case r.MessageID == "":
		return &handlers.UnprocessableEventError{Event: event, Err: lferrors.ErrMessageRequired}
	case r.UserID == "":
		return &handlers.UnprocessableEventError{Event: event, Err: lferrors.ErrUserRequired}
	}
	return nil
}

// unprocessableIfInvalid marks missing identifiers as unprocessable so the
// event is not retried.
func unprocessableIfInvalid(event string, err error) error {
	if errors.Is(err, lferrors.ErrUserRequired) || errors.Is(err, lferrors.ErrConversationRequired) {
		return &handlers.UnprocessableEventError{Event: event, Err: err}
	}
	return err
}
