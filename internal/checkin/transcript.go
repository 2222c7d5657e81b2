package checkin

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"checkinbot/internal/notify"
)

// Transcript is the progress of one run, rendered as a single message that
// is edited in place as lines are appended.
type Transcript struct {
	notifier    notify.Notifier
	destination string

	mu    sync.Mutex
	lines []string
	msg   *notify.Message
}

func NewTranscript(n notify.Notifier, destination string) *Transcript {
	return &Transcript{notifier: n, destination: destination}
}

// Append adds a line. The first line sends the message; later lines edit
// it. Delivery failures are logged and otherwise ignored.
func (t *Transcript) Append(ctx context.Context, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if err := t.deliver(ctx); err != nil {
		log.Warn().Err(err).Str("destination", t.destination).Msg("transcript update failed")
	}
}

// Finish appends the closing line. If the message cannot be edited the line
// goes out as a fresh message instead.
func (t *Transcript) Finish(ctx context.Context, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	err := t.deliver(ctx)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("destination", t.destination).Msg("transcript edit failed, sending new message")
	if _, err := t.notifier.Send(ctx, t.destination, line); err != nil {
		log.Warn().Err(err).Str("destination", t.destination).Msg("transcript send failed")
	}
}

func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *Transcript) deliver(ctx context.Context) error {
	text := strings.Join(t.lines, "\n")
	if t.msg == nil {
		m, err := t.notifier.Send(ctx, t.destination, text)
		if err != nil {
			return err
		}
		t.msg = &m
		return nil
	}
	return t.notifier.Edit(ctx, *t.msg, text)
}
