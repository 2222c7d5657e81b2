// Package checkin drives one account through login and check-in with a
// bounded number of attempts per step, and reschedules the whole job when
// the budget runs out.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"checkinbot/internal/domain"
	"checkinbot/internal/notify"
	"checkinbot/internal/portal"
	"checkinbot/internal/recognizer"
)

const (
	DefaultAttempts   = 5
	DefaultBackoffMin = 30 * time.Minute
	DefaultBackoffMax = 60 * time.Minute
)

// Portal is the network side of a run.
type Portal interface {
	Open() (*portal.Session, error)
	Authenticate(ctx context.Context, s *portal.Session, acct domain.Account, rec recognizer.Recognizer) (bool, error)
	Checkin(ctx context.Context, s *portal.Session, acct domain.Account) (bool, error)
}

// Rescheduler enqueues a one-shot re-run of an account. It refuses when the
// account is no longer registered.
type Rescheduler interface {
	Reschedule(acct domain.Account, delay time.Duration) (domain.Job, error)
}

type State string

const (
	StateStart          State = "start"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateCheckingIn     State = "checking_in"
	StateDone           State = "done"
	StateRescheduled    State = "rescheduled"
)

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeFailed is a failed run whose retry could not be enqueued.
	OutcomeFailed Outcome = "failed"
	// OutcomeAbandoned is a run stopped by an unexpected error or by
	// cancellation. It is not rescheduled.
	OutcomeAbandoned Outcome = "abandoned"
)

type Result struct {
	Outcome         Outcome
	State           State
	AuthAttempts    int
	CheckinAttempts int
	Retry           *domain.Job
	Transcript      []string
}

type Options struct {
	Attempts   int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

type Controller struct {
	portal   Portal
	rec      recognizer.Recognizer
	notifier notify.Notifier
	resched  Rescheduler
	attempts int
	backoff  func() time.Duration
}

func NewController(p Portal, rec recognizer.Recognizer, n notify.Notifier, r Rescheduler, opts Options) *Controller {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = DefaultBackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	return &Controller{
		portal:   p,
		rec:      rec,
		notifier: n,
		resched:  r,
		attempts: opts.Attempts,
		backoff:  uniformBackoff(opts.BackoffMin, opts.BackoffMax),
	}
}

// uniformBackoff draws whole seconds uniformly from [min, max].
func uniformBackoff(from, to time.Duration) func() time.Duration {
	lo, hi := int64(from/time.Second), int64(to/time.Second)
	return func() time.Duration {
		return time.Duration(lo+rand.Int64N(hi-lo+1)) * time.Second
	}
}

// attemptFunc is one try of a step; false with a nil error is an ordinary
// mismatch.
type attemptFunc func(ctx context.Context) (bool, error)

// Run executes one job for acct. Attempt-level failures never escape: they
// become transcript lines and count against the budget. The returned error
// is non-nil only when the run was abandoned or its retry could not be
// enqueued.
func (c *Controller) Run(ctx context.Context, acct domain.Account) (res Result, err error) {
	logger := log.With().Str("account", acct.ID).Logger()
	res = Result{State: StateStart}
	tr := NewTranscript(c.notifier, acct.Destination)
	defer func() { res.Transcript = tr.Lines() }()

	sess, err := c.portal.Open()
	if err != nil {
		res.Outcome = OutcomeAbandoned
		return res, fmt.Errorf("open session: %w", err)
	}
	logger = logger.With().Str("session", sess.ID).Logger()
	tr.Append(ctx, fmt.Sprintf("Job: Running for %s", acct.ID))

	res.State = StateAuthenticating
	ok, n, err := c.loop(ctx, logger, tr, "Login", acct.ID, func(ctx context.Context) (bool, error) {
		return c.portal.Authenticate(ctx, sess, acct, c.rec)
	})
	res.AuthAttempts = n
	if err != nil {
		res.Outcome = OutcomeAbandoned
		return res, err
	}
	if !ok {
		tr.Append(ctx, fmt.Sprintf("Login: %s failed after %d attempts", acct.ID, n))
		return c.reschedule(ctx, logger, tr, acct, res)
	}

	res.State = StateAuthenticated
	logger.Debug().Str("state", string(res.State)).Msg("state change")

	res.State = StateCheckingIn
	ok, n, err = c.loop(ctx, logger, tr, "Checkin", acct.ID, func(ctx context.Context) (bool, error) {
		return c.portal.Checkin(ctx, sess, acct)
	})
	res.CheckinAttempts = n
	if err != nil {
		res.Outcome = OutcomeAbandoned
		return res, err
	}
	if !ok {
		return c.reschedule(ctx, logger, tr, acct, res)
	}

	res.State = StateDone
	res.Outcome = OutcomeSuccess
	logger.Info().Int("login_attempts", res.AuthAttempts).Int("checkin_attempts", res.CheckinAttempts).Msg("job succeeded")
	return res, nil
}

// loop runs fn until it reports true or the budget is spent. It stops early
// on a recognizer failure or cancellation.
func (c *Controller) loop(ctx context.Context, logger zerolog.Logger, tr *Transcript, step, id string, fn attemptFunc) (bool, int, error) {
	for i := 0; i < c.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return false, i, err
		}
		ok, err := fn(ctx)
		switch {
		case errors.Is(err, portal.ErrRecognizer):
			logger.Error().Err(err).Str("step", step).Int("attempt", i).Msg("run abandoned")
			return false, i + 1, err
		case errors.Is(err, portal.ErrProtocol):
			logger.Warn().Err(err).Str("step", step).Int("attempt", i).Msg("unexpected page structure")
		case err != nil:
			logger.Warn().Err(err).Str("step", step).Int("attempt", i).Msg("attempt failed")
		}

		if ok {
			line := fmt.Sprintf("%s: %s Success!", step, id)
			logger.Info().Str("step", step).Int("attempt", i).Msg(line)
			tr.Append(ctx, line)
			return true, i + 1, nil
		}
		line := fmt.Sprintf("%s: %s Fail %d", step, id, i)
		logger.Warn().Str("step", step).Int("attempt", i).Msg(line)
		tr.Append(ctx, line)
	}
	return false, c.attempts, nil
}

func (c *Controller) reschedule(ctx context.Context, logger zerolog.Logger, tr *Transcript, acct domain.Account, res Result) (Result, error) {
	res.State = StateDone
	delay := c.backoff()

	job, err := c.resched.Reschedule(acct, delay)
	if err != nil {
		res.Outcome = OutcomeFailed
		tr.Finish(ctx, "Job failed! Could not plan a retry.")
		logger.Error().Err(err).Msg("reschedule failed")
		return res, fmt.Errorf("reschedule %s: %w", acct.ID, err)
	}

	res.State = StateRescheduled
	res.Outcome = OutcomeRescheduled
	res.Retry = &job
	tr.Finish(ctx, fmt.Sprintf("Job failed! Planning to run again in %d minutes.", int(delay.Round(time.Minute)/time.Minute)))
	logger.Warn().Dur("delay", delay).Str("job_id", job.ID).Msg("job failed, retry scheduled")
	return res, nil
}
