// Package metadata names the Watermill metadata keys liveflow stamps on every
// published event and offers copy-on-write helpers around them.
package metadata

import "strconv"

const (
	KeyEvent         = "liveflow_event"
	KeyChannel       = "liveflow_channel"
	KeyConversation  = "liveflow_conversation"
	KeySequence      = "liveflow_sequence"
	KeyCorrelationID = "correlation_id"
	KeyProbeID       = "liveflow_probe"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Event returns the liveflow event name or "".
func (m Metadata) Event() string {
	return m[KeyEvent]
}

// Sequence returns the sequence number stamped on the event, if any.
func (m Metadata) Sequence() (uint64, bool) {
	raw, ok := m[KeySequence]
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForEvent builds the standard header set for an event published on channel.
func ForEvent(event, channel, conversationID string) Metadata {
	md := New(KeyEvent, event, KeyChannel, channel)
	if conversationID != "" {
		md[KeyConversation] = conversationID
	}
	return md
}

// WithSequence returns a copy carrying seq.
func (m Metadata) WithSequence(seq uint64) Metadata {
	return m.With(KeySequence, strconv.FormatUint(seq, 10))
}
