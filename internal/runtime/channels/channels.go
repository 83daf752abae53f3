// Package channels builds the logical channel names liveflow publishes to
// and maps them onto transport topics.
package channels

import "strings"

func Conversation(conversationID string) string { return "conversation:" + conversationID }
func Presence(conversationID string) string     { return "presence:" + conversationID }
func Typing(conversationID string) string       { return "typing:" + conversationID }
func Moderation(conversationID string) string   { return "moderation:" + conversationID }
func Probe(userID string) string                { return "probe:" + userID }

// Coaching is the private channel a coaching message is delivered on.
func Coaching(recipientID, conversationID string) string {
	return "coaching:" + recipientID + ":" + conversationID
}

// Inbound is the topic the Service consumes client events from.
const Inbound = "liveflow.client"

// Topic converts a channel name into a transport topic. Kafka and NATS do not
// accept ':' in subjects, so it becomes '.'.
func Topic(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
