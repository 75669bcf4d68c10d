// Package push is the boundary to the external push delivery gateway.
package push

import (
	"context"
	"regexp"
)

// MaxBatchSize is the largest number of messages the gateway accepts per request.
const MaxBatchSize = 100

// Message is one gateway delivery request addressed to a single device.
type Message struct {
	To        string         `json:"to"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Sound     string         `json:"sound,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
}

// TicketStatus is the per-message acknowledgment outcome.
type TicketStatus string

const (
	TicketOK    TicketStatus = "ok"
	TicketError TicketStatus = "error"
)

// Ticket acknowledges one submitted message. It is not a delivery receipt.
type Ticket struct {
	Status  TicketStatus `json:"status"`
	ID      string       `json:"id,omitempty"`
	Message string       `json:"message,omitempty"`
}

// OK reports whether the gateway accepted the message.
func (t Ticket) OK() bool {
	return t.Status == TicketOK
}

// ErrorTicket returns an error ticket carrying msg.
func ErrorTicket(msg string) Ticket {
	return Ticket{Status: TicketError, Message: msg}
}

// Client submits one batch of at most MaxBatchSize messages and returns one
// ticket per message in submission order. A returned error means the whole
// batch failed in transit.
type Client interface {
	SendBatch(ctx context.Context, messages []Message) ([]Ticket, error)
}

var (
	bracketAddress = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\[\]\s]+\]$`)
	uuidAddress    = regexp.MustCompile(`^[a-z\d]{8}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{12}$`)
)

// ValidAddress reports whether addr matches the gateway's address grammar.
func ValidAddress(addr string) bool {
	return bracketAddress.MatchString(addr) || uuidAddress.MatchString(addr)
}

// Chunk splits messages into consecutive batches of at most size elements.
func Chunk(messages []Message, size int) [][]Message {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	if len(messages) == 0 {
		return nil
	}
	batches := make([][]Message, 0, (len(messages)+size-1)/size)
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		batches = append(batches, messages[start:end])
	}
	return batches
}
