// Package scheduler keeps the job table: one daily trigger per account plus
// any number of one-shot runs, all fired through robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"checkinbot/internal/domain"
	"checkinbot/internal/worker"
)

const (
	DefaultHour       = 0
	DefaultBaseMinute = 3
	maxMinute         = 59
	// MinDelay is the shortest one-shot delay; immediate runs use it.
	MinDelay = time.Second
)

var (
	ErrNotFound  = errors.New("no jobs for account")
	ErrForbidden = errors.New("not allowed to delete account")
	ErrNoRunner  = errors.New("scheduler has no runner")
)

// RunFunc executes one job for an account.
type RunFunc func(ctx context.Context, acct domain.Account) error

type Options struct {
	Location   *time.Location
	Hour       int
	BaseMinute int
	// Admin may delete any account's schedule.
	Admin string
	Pool  *worker.Pool
	// IntN returns a uniform int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
	Now  func() time.Time
}

type entry struct {
	job    domain.Job
	cronID cron.EntryID
}

type Service struct {
	cron       *cron.Cron
	pool       *worker.Pool
	loc        *time.Location
	hour       int
	baseMinute int
	admin      string
	intN       func(int) int
	now        func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
	ctx  context.Context
	run  RunFunc
}

func NewService(opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.FixedZone("UTC+8", 8*60*60)
	}
	if opts.Pool == nil {
		opts.Pool = worker.NewPool(8)
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{})),
		),
		pool:       opts.Pool,
		loc:        opts.Location,
		hour:       opts.Hour,
		baseMinute: opts.BaseMinute,
		admin:      opts.Admin,
		intN:       opts.IntN,
		now:        opts.Now,
		jobs:       make(map[string]*entry),
		ctx:        context.Background(),
	}
}

// Start begins firing jobs. Runs receive ctx.
func (s *Service) Start(ctx context.Context, run RunFunc) {
	s.mu.Lock()
	s.ctx = ctx
	s.run = run
	s.mu.Unlock()
	s.cron.Start()
	log.Info().Str("location", s.loc.String()).Msg("scheduler started")
}

// Stop halts future triggers. Runs already handed to the pool carry on.
func (s *Service) Stop() context.Context {
	ctx := s.cron.Stop()
	log.Info().Msg("scheduler stopped")
	return ctx
}

// Register installs a daily trigger for acct, replacing any previous one,
// and enqueues an immediate run. New accounts take the minute after the
// last one so their runs do not hit the portal together.
func (s *Service) Register(acct domain.Account) (domain.Job, error) {
	return s.register(acct, true)
}

// Restore installs the daily trigger the way Register does but without the
// immediate run. Used when reloading accounts at startup.
func (s *Service) Restore(acct domain.Account) (domain.Job, error) {
	return s.register(acct, false)
}

func (s *Service) register(acct domain.Account, immediate bool) (domain.Job, error) {
	acct = acct.WithDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(acct.ID, func(j domain.Job) bool { return j.Kind == domain.JobDaily })
	daily := s.addDailyLocked(acct, s.nextSlotLocked())
	if immediate {
		s.addOnceLocked(acct, MinDelay)
	}

	log.Info().
		Str("account", acct.ID).
		Str("job_id", daily.ID).
		Str("at", daily.At.String()).
		Time("next_run", daily.NextRun).
		Strs("accounts", s.accountIDsLocked()).
		Msg("account registered")
	return daily, nil
}

// ScheduleDaily installs a daily trigger at a fixed time, replacing any
// previous daily trigger for the account.
func (s *Service) ScheduleDaily(acct domain.Account, at domain.TimeOfDay) (domain.Job, error) {
	acct = acct.WithDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(acct.ID, func(j domain.Job) bool { return j.Kind == domain.JobDaily })
	return s.addDailyLocked(acct, at), nil
}

// ScheduleOnce enqueues a single run after delay.
func (s *Service) ScheduleOnce(acct domain.Account, delay time.Duration) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.addOnceLocked(acct, delay)
	log.Debug().Str("account", acct.ID).Str("job_id", job.ID).Time("run_at", job.RunAt).Msg("one-shot job scheduled")
	return job, nil
}

// Reschedule enqueues a retry for acct after delay, but only while the
// account still has a daily trigger. A run that outlives the deletion of its
// account gets ErrNotFound and must not come back.
func (s *Service) Reschedule(acct domain.Account, delay time.Duration) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasDailyLocked(acct.ID) {
		return domain.Job{}, ErrNotFound
	}
	job := s.addOnceLocked(acct, delay)
	log.Debug().Str("account", acct.ID).Str("job_id", job.ID).Time("run_at", job.RunAt).Msg("retry scheduled")
	return job, nil
}

// CancelAll removes every job for the account without an authorization
// check. In-flight runs are not interrupted.
func (s *Service) CancelAll(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(accountID, func(domain.Job) bool { return true })
}

// Delete removes every job of the account on behalf of requester, who must
// be the admin or the destination of the current registration. Without a
// daily trigger, owning any of the remaining jobs is enough.
func (s *Service) Delete(accountID, requester string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.jobsLocked(accountID)
	if len(jobs) == 0 {
		return 0, ErrNotFound
	}
	if !s.mayDeleteLocked(jobs, requester) {
		log.Warn().Str("account", accountID).Str("requester", requester).Msg("delete refused")
		return 0, ErrForbidden
	}
	n := s.removeLocked(accountID, func(domain.Job) bool { return true })
	log.Info().Str("account", accountID).Str("requester", requester).Int("removed", n).Msg("account deleted")
	return n, nil
}

// Trigger enqueues an immediate run for one account.
func (s *Service) Trigger(accountID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobsLocked(accountID)
	if len(jobs) == 0 {
		return domain.Job{}, ErrNotFound
	}
	acct := jobs[0].Account
	for _, j := range jobs {
		if j.Kind == domain.JobDaily {
			acct = j.Account
		}
	}
	return s.addOnceLocked(acct, MinDelay), nil
}

// TriggerAll enqueues an immediate run for every account with a daily job.
func (s *Service) TriggerAll() []domain.Job {
	return s.triggerWhere(func(domain.Account) bool { return true })
}

// TriggerDestination enqueues an immediate run for every account reporting
// to destination.
func (s *Service) TriggerDestination(destination string) []domain.Job {
	return s.triggerWhere(func(a domain.Account) bool { return a.Destination == destination })
}

func (s *Service) triggerWhere(match func(domain.Account) bool) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.sortedLocked() {
		if j.Kind == domain.JobDaily && match(j.Account) {
			out = append(out, s.addOnceLocked(j.Account, MinDelay))
		}
	}
	return out
}

// Jobs returns a snapshot of the job table ordered by account.
func (s *Service) Jobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Service) JobsByAccount(accountID string) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsLocked(accountID)
}

// AccountIDs lists the accounts with at least one job, sorted.
func (s *Service) AccountIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountIDsLocked()
}

func (s *Service) mayDeleteLocked(jobs []domain.Job, requester string) bool {
	if s.admin != "" && requester == s.admin {
		return true
	}
	for _, j := range jobs {
		if j.Kind == domain.JobDaily {
			return j.Account.Destination == requester
		}
	}
	for _, j := range jobs {
		if j.Account.Destination == requester {
			return true
		}
	}
	return false
}

func (s *Service) hasDailyLocked(accountID string) bool {
	for _, e := range s.jobs {
		if e.job.Account.ID == accountID && e.job.Kind == domain.JobDaily {
			return true
		}
	}
	return false
}

func (s *Service) nextSlotLocked() domain.TimeOfDay {
	daily := 0
	for _, e := range s.jobs {
		if e.job.Kind == domain.JobDaily {
			daily++
		}
	}
	minute := s.baseMinute + daily
	if minute > maxMinute {
		minute = maxMinute
	}
	return domain.TimeOfDay{
		Hour:       s.hour,
		Minute:     minute,
		Second:     s.intN(60),
		Nanosecond: s.intN(1_000_000) * 1000,
	}
}

func (s *Service) addDailyLocked(acct domain.Account, at domain.TimeOfDay) domain.Job {
	now := s.now()
	sched := dailySchedule{at: at, loc: s.loc}
	job := domain.Job{
		ID:        "job_" + uuid.NewString(),
		Kind:      domain.JobDaily,
		Account:   acct,
		At:        at,
		NextRun:   sched.Next(now),
		CreatedAt: now,
	}
	s.insertLocked(job, sched)
	return job
}

func (s *Service) addOnceLocked(acct domain.Account, delay time.Duration) domain.Job {
	if delay < MinDelay {
		delay = MinDelay
	}
	now := s.now()
	job := domain.Job{
		ID:        "job_" + uuid.NewString(),
		Kind:      domain.JobOnce,
		Account:   acct,
		RunAt:     now.Add(delay),
		NextRun:   now.Add(delay),
		CreatedAt: now,
	}
	s.insertLocked(job, onceSchedule{at: job.RunAt})
	return job
}

func (s *Service) insertLocked(job domain.Job, sched cron.Schedule) {
	id := job.ID
	cronID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	s.jobs[id] = &entry{job: job, cronID: cronID}
}

func (s *Service) removeLocked(accountID string, match func(domain.Job) bool) int {
	n := 0
	for id, e := range s.jobs {
		if e.job.Account.ID == accountID && match(e.job) {
			s.cron.Remove(e.cronID)
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *Service) jobsLocked(accountID string) []domain.Job {
	var out []domain.Job
	for _, j := range s.sortedLocked() {
		if j.Account.ID == accountID {
			out = append(out, j)
		}
	}
	return out
}

func (s *Service) sortedLocked() []domain.Job {
	out := make([]domain.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account.ID != out[j].Account.ID {
			return out[i].Account.ID < out[j].Account.ID
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == domain.JobDaily
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

func (s *Service) accountIDsLocked() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.jobs {
		if !seen[e.job.Account.ID] {
			seen[e.job.Account.ID] = true
			ids = append(ids, e.job.Account.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// fire hands a due job to the worker pool. One-shot jobs leave the table
// before they run; a cancelled job is no longer in it and does nothing.
func (s *Service) fire(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := e.job
	if job.Kind == domain.JobOnce {
		s.cron.Remove(e.cronID)
		delete(s.jobs, id)
	} else {
		e.job.NextRun = dailySchedule{at: job.At, loc: s.loc}.Next(s.now())
	}
	ctx, run := s.ctx, s.run
	s.mu.Unlock()

	logger := log.With().Str("account", job.Account.ID).Str("job_id", id).Str("kind", string(job.Kind)).Logger()
	if run == nil {
		logger.Error().Err(ErrNoRunner).Msg("job dropped")
		return
	}
	logger.Info().Msg("job fired")
	acct := job.Account
	if err := s.pool.Submit(ctx, acct.ID, func(ctx context.Context) error { return run(ctx, acct) }); err != nil {
		logger.Warn().Err(err).Msg("job not started")
	}
}
