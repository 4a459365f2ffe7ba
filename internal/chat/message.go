// Package chat implements the hidden messaging core: the sync engine
// that mirrors a remote room log, the crypto codec, delivery status
// derivation, connection health monitoring, and the panic purge.
package chat

import "time"

// Status is the delivery state of a message authored by this session.
type Status int

const (
	// StatusNone is carried by messages not authored by this session;
	// delivery state is only rendered for one's own messages.
	StatusNone Status = iota

	// StatusSending marks the local optimistic placeholder.
	StatusSending

	// StatusSent means the message is durable but read by nobody else.
	StatusSent

	// StatusDelivered is an explicit middle tier between Sent and Read.
	// The current read-receipt logic jumps straight to Read, but the
	// tier is kept so a delivery-only receipt can slot in later.
	StatusDelivered

	// StatusRead means at least one other session has read the message.
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "none"
	}
}

// Message is one entry of the local message view. Text is plaintext:
// committed records are decrypted at ingress, optimistic placeholders
// never were encrypted. Text and SenderID are immutable after creation;
// only ReadBy grows.
type Message struct {
	ID        string
	Text      string
	SenderID  string
	CreatedAt time.Time
	ReadBy    map[string]int64
	Encrypted bool
	Sending   bool
}

// DeliveryStatus derives the delivery state of a message as seen by
// selfID. Pure function; statuses are monotonic because ReadBy is
// append-only: once another session appears there, it never leaves.
func DeliveryStatus(m Message, selfID string) Status {
	if m.SenderID != selfID {
		return StatusNone
	}

	if m.Sending {
		return StatusSending
	}

	for id := range m.ReadBy {
		if id != selfID {
			return StatusRead
		}
	}

	if _, ok := m.ReadBy[selfID]; ok && len(m.ReadBy) == 1 {
		return StatusSent
	}

	return StatusDelivered
}
