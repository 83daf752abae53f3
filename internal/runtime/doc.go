/*
Package runtime hosts the liveflow Service: ordered message broadcast,
delivery tracking, offline queueing, presence and connection quality for
chat conversations, wired onto one Watermill transport.

# Architecture Overview

Outbound traffic (messages, status updates, presence and typing events,
probes) is published by the transport Bridge on logical channels such as
"conversation:<id>". Inbound client events (receipts, typing, activity,
quality samples, probe acks) arrive on the "liveflow.client" topic and are
consumed by a Watermill router. A Dispatcher routes them to typed JSON
handlers by the liveflow_event metadata key.

# Package Structure

## Core Service (service.go, operations.go)

The Service struct wires together:
  - sequencer: per-conversation sequence numbers and in-order release
  - delivery: per-recipient status tracking with timeouts
  - offline: bounded per-user queues (memory, SQLite or PostgreSQL)
  - router: duplicate detection, fan-out and offline redelivery
  - presence: online/away/offline state and typing indicators
  - quality: connection quality classification and probes
  - HTTP servers for metrics and the read-only API

## Client Events (inbound.go, registration*.go)

The built-in client.* events are registered by NewService.
RegisterClientEvent adds typed handlers for custom events and
RegisterMessageHandler consumes arbitrary topics.

## Middleware (middleware.go, hooks.go)

The default chain wraps every inbound event:
  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of payloads
  - Tracer: continues propagated OpenTelemetry traces
  - Metrics: Watermill router metrics in Prometheus
  - PoisonQueue: moves unprocessable events out of circulation
  - Retry: exponential backoff for transient failures
  - Recoverer: panic recovery

EventHooks observe start, completion and failure of each event.

## Stats & API (stats.go, api.go)

Per-handler latency percentiles, throughput and error categories, served
with health, presence and delivery snapshots on the JSON API.

# Usage Example

	svc, err := liveflow.NewService(ctx, cfg, logger, liveflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	go svc.Start(ctx)

	_, _ = svc.JoinConversation(ctx, "alice", "c1", nil)
	res, err := svc.Broadcast(ctx, msg, []string{"alice", "bob"}, liveflow.BroadcastOptions{QueueOffline: true})
*/
package runtime
