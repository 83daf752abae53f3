package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/liveflow/internal/runtime/delivery"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/presence"
	"github.com/drblury/liveflow/internal/runtime/quality"
	"github.com/drblury/liveflow/internal/runtime/router"
	transportpkg "github.com/drblury/liveflow/internal/runtime/transport"
)

// Broadcast sequences msg and delivers it to every recipient. Unreachable
// recipients are reported in the result, never as an error; errors mean the
// message itself was rejected.
func (s *Service) Broadcast(ctx context.Context, msg models.Message, recipients []string, opts router.Options) (*router.BroadcastResult, error) {
	return s.messages.Broadcast(ctx, msg, recipients, opts)
}

// RetryDelivery re-sends a recent message to its failed recipients. Pending
// and delivered recipients are left alone.
func (s *Service) RetryDelivery(ctx context.Context, messageID string, opts router.Options) (*router.BroadcastResult, error) {
	return s.messages.Retry(ctx, messageID, opts)
}

// ConfirmDelivery records that userID received messageID. It reports whether
// the status advanced.
func (s *Service) ConfirmDelivery(ctx context.Context, messageID, userID string, latency time.Duration) bool {
	return s.messages.ConfirmDelivery(ctx, messageID, userID, latency)
}

// MarkAsRead records that userID read messageID.
func (s *Service) MarkAsRead(ctx context.Context, messageID, userID string) bool {
	return s.messages.MarkAsRead(ctx, messageID, userID)
}

// DeliverySummary counts recipients per status for messageID.
func (s *Service) DeliverySummary(messageID string) (delivery.Summary, bool) {
	return s.messages.Summary(messageID)
}

// DeliverySnapshot returns the per-recipient status of messageID.
func (s *Service) DeliverySnapshot(messageID string) (delivery.Snapshot, bool) {
	return s.tracker.Snapshot(messageID)
}

// GetUndeliveredMessages returns the messages queued for userID in
// conversationID, oldest first, without removing them.
func (s *Service) GetUndeliveredMessages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	return s.messages.Undelivered(ctx, userID, conversationID)
}

// DrainUndelivered removes and returns the queued messages, marking them
// delivered.
func (s *Service) DrainUndelivered(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	return s.messages.DrainOfflineQueue(ctx, userID, conversationID)
}

// EndConversation drops the conversation's ordering state and presence
// records. The next message starts again at sequence 1.
func (s *Service) EndConversation(ctx context.Context, conversationID string) error {
	if err := s.messages.EndConversation(ctx, conversationID); err != nil {
		return err
	}
	s.presence.CleanupConversation(ctx, conversationID)
	return nil
}

// JoinConversation marks userID online in conversationID.
func (s *Service) JoinConversation(ctx context.Context, userID, conversationID string, device map[string]string) (presence.Record, error) {
	prev, known := s.presence.Get(userID, conversationID)
	rec, err := s.presence.Initialize(ctx, userID, conversationID, device)
	if err != nil {
		return rec, err
	}
	if !known || prev.Status == presence.Offline {
		if s.quality.Classification(userID) != quality.Unknown {
			s.quality.RecordReconnect(userID)
		}
	}
	return rec, nil
}

// LeaveConversation removes userID from conversationID and cancels its
// timers. It reports whether the user was present.
func (s *Service) LeaveConversation(ctx context.Context, userID, conversationID string) bool {
	return s.presence.Cleanup(ctx, userID, conversationID)
}

// RecordActivity brings userID online and restarts the inactivity timer.
func (s *Service) RecordActivity(ctx context.Context, userID, conversationID string) (presence.Record, error) {
	return s.presence.Activity(ctx, userID, conversationID)
}

// SignalTyping starts or extends userID's typing indicator.
func (s *Service) SignalTyping(ctx context.Context, userID, conversationID string) error {
	return s.presence.StartTyping(ctx, userID, conversationID)
}

// StopTyping clears userID's typing indicator.
func (s *Service) StopTyping(ctx context.Context, userID, conversationID string) bool {
	return s.presence.StopTyping(ctx, userID, conversationID)
}

// SubscribeToPresence calls fn for every presence transition in
// conversationID until the returned func is called.
func (s *Service) SubscribeToPresence(conversationID string, fn presence.EventFunc) func() {
	return s.presence.SubscribePresence(conversationID, fn)
}

// SubscribeToTypingUpdates calls fn for every typing transition in
// conversationID until the returned func is called.
func (s *Service) SubscribeToTypingUpdates(conversationID string, fn presence.EventFunc) func() {
	return s.presence.SubscribeTyping(conversationID, fn)
}

// Presence returns the conversation's members.
func (s *Service) Presence(conversationID string) []presence.Record {
	return s.presence.Members(conversationID)
}

// RecordQualityMeasurement folds a client-reported sample into userID's
// connection quality.
func (s *Service) RecordQualityMeasurement(sample quality.Sample) (quality.Class, error) {
	return s.quality.Record(sample)
}

// TestConnection probes userID's client and records the round trip.
func (s *Service) TestConnection(ctx context.Context, userID string) (quality.Class, error) {
	return s.quality.ActiveTest(ctx, userID)
}

// GetConnectionHealth summarises userID's connection. Users not present in
// conversationID report quality.Offline.
func (s *Service) GetConnectionHealth(userID, conversationID string) quality.Health {
	if !s.presence.IsConnected(userID, conversationID) {
		return quality.Health{Status: quality.Offline}
	}
	return s.quality.Health(userID)
}

// ConnectionReport returns the detailed quality history of userID.
func (s *Service) ConnectionReport(userID string) (quality.Report, bool) {
	return s.quality.Report(userID)
}

// SweepOffline runs one offline redelivery pass immediately.
func (s *Service) SweepOffline(ctx context.Context) router.SweepStats {
	return s.messages.SweepOffline(ctx)
}

// Publish sends payload as event on an arbitrary channel, e.g. a moderation
// notice on channels.Moderation.
func (s *Service) Publish(ctx context.Context, channel, event string, payload any) error {
	if s.bridge == nil {
		return errors.New("service is not initialised")
	}
	return s.bridge.Publish(ctx, channel, event, payload)
}

// Subscribe forwards events published on channel to handler, e.g. to relay
// a conversation's stream to connected clients. An empty event receives
// every event on the channel.
func (s *Service) Subscribe(ctx context.Context, channel, event string, handler transportpkg.EventHandler) (func(), error) {
	return s.bridge.Subscribe(ctx, channel, event, handler)
}
