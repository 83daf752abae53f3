// Package liveflow delivers chat messages in order, in real time, over a
// Watermill transport. It assigns per-conversation sequence numbers,
// releases messages in sequence order, tracks per-recipient delivery and
// read status, queues messages for offline users and redelivers them on
// reconnect, and maintains presence, typing indicators and connection
// quality for every participant.
//
// The transport (Go channels, Kafka, RabbitMQ, NATS or HTTP) is selected by
// Config.PubSubSystem. Outbound events are published on logical channels
// such as ConversationChannel("c1"); clients report receipts, typing,
// activity, quality samples and probe acks on InboundTopic, where a
// Watermill router consumes them through the default middleware chain
// (correlation IDs, logging, tracing, metrics, poison queue, retries, panic
// recovery).
//
// A minimal setup fills Config (or calls LoadConfig), creates a Service,
// optionally registers custom client events with RegisterClientEvent, and
// calls Start:
//
//	svc, err := liveflow.NewService(ctx, cfg, logger, liveflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//	go svc.Start(ctx)
//
//	svc.JoinConversation(ctx, "bob", "c1", nil)
//	res, err := svc.Broadcast(ctx, msg, []string{"bob"}, liveflow.BroadcastOptions{QueueOffline: true})
//
// # Storage
//
// Offline queues live in memory by default; set OfflineStoreDriver to
// "sqlite3" or "postgres" to persist them. Setting RedisURL shares sequence
// counters between Service instances.
//
// # Hooks
//
// ServiceDependencies.Hooks observes every inbound client event; LoggingHooks
// provides a ready-made set. Custom middleware can be added via
// ServiceDependencies.Middlewares.
package liveflow
