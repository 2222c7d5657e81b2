// Package notify delivers run transcripts to the operator.
package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Message identifies a delivered message so it can be edited later.
type Message struct {
	Destination string
	ID          int
}

// Notifier sends and edits messages at a destination. Errors are reported
// to the caller but never retried here.
type Notifier interface {
	Send(ctx context.Context, destination, text string) (Message, error)
	Edit(ctx context.Context, msg Message, text string) error
}

// Log writes messages to the process log. Used when no chat transport is
// configured.
type Log struct {
	seq atomic.Int64
}

func (l *Log) Send(_ context.Context, destination, text string) (Message, error) {
	id := int(l.seq.Add(1))
	log.Info().Str("destination", destination).Int("message_id", id).Str("text", text).Msg("notify send")
	return Message{Destination: destination, ID: id}, nil
}

func (l *Log) Edit(_ context.Context, msg Message, text string) error {
	log.Info().Str("destination", msg.Destination).Int("message_id", msg.ID).Str("text", text).Msg("notify edit")
	return nil
}
