package delivery

// Status is a recipient's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses for monotonic upgrades. Failed shares the pending
// rank so a late confirmation can still upgrade a failed recipient.
func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Summary counts recipients per status. Every recipient is in exactly one
// bucket.
type Summary struct {
	MessageID  string `json:"messageId"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Delivered  int    `json:"delivered"`
	Read       int    `json:"read"`
	Failed     int    `json:"failed"`
	RetryCount int    `json:"retryCount"`
}
