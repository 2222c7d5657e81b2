package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkinbot/internal/domain"
	"checkinbot/internal/worker"
)

var cst = time.FixedZone("UTC+8", 8*60*60)

func newTestService(opts Options) *Service {
	if opts.Location == nil {
		opts.Location = cst
	}
	if opts.BaseMinute == 0 {
		opts.BaseMinute = DefaultBaseMinute
	}
	return NewService(opts)
}

func count(jobs []domain.Job, kind domain.JobKind) int {
	n := 0
	for _, j := range jobs {
		if j.Kind == kind {
			n++
		}
	}
	return n
}

func TestRegisterReplacesDailyJob(t *testing.T) {
	s := newTestService(Options{})
	first, err := s.Register(domain.Account{ID: "2020001", Secret: "old", Destination: "100"})
	require.NoError(t, err)
	second, err := s.Register(domain.Account{ID: "2020001", Secret: "new", Destination: "100"})
	require.NoError(t, err)

	jobs := s.JobsByAccount("2020001")
	require.Equal(t, 1, count(jobs, domain.JobDaily))
	assert.Equal(t, 2, count(jobs, domain.JobOnce), "every registration enqueues an immediate run")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "new", jobs[0].Account.Secret)
	assert.Equal(t, domain.DefaultRegion, jobs[0].Account.Region)
	assert.Equal(t, []string{"2020001"}, s.AccountIDs())
}

func TestRegisterSpreadsMinutes(t *testing.T) {
	draws := 0
	s := newTestService(Options{IntN: func(n int) int { draws++; return n - 1 }})

	prev := -1
	for i := 0; i < 10; i++ {
		job, err := s.Register(domain.Account{ID: string(rune('a' + i)), Secret: "x", Destination: "100"})
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseMinute+i, job.At.Minute)
		assert.Greater(t, job.At.Minute, prev)
		prev = job.At.Minute
		assert.Equal(t, DefaultHour, job.At.Hour)
		assert.Equal(t, 59, job.At.Second)
		assert.Equal(t, 999_999_000, job.At.Nanosecond)
	}
	assert.Equal(t, 20, draws)
}

func TestRestoreSkipsImmediateRun(t *testing.T) {
	s := newTestService(Options{})
	a, err := s.Restore(domain.Account{ID: "a", Secret: "x"})
	require.NoError(t, err)
	b, err := s.Restore(domain.Account{ID: "b", Secret: "x"})
	require.NoError(t, err)

	assert.Equal(t, 0, count(s.Jobs(), domain.JobOnce))
	assert.Equal(t, 2, count(s.Jobs(), domain.JobDaily))
	assert.Equal(t, a.At.Minute+1, b.At.Minute)
}

func TestRegisterJitterInRange(t *testing.T) {
	s := newTestService(Options{})
	for i := 0; i < 50; i++ {
		job, err := s.Register(domain.Account{ID: "2020001", Secret: "x"})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.At.Second, 0)
		assert.Less(t, job.At.Second, 60)
		assert.Less(t, job.At.Nanosecond, 1_000_000_000)
		assert.Zero(t, job.At.Nanosecond%1000)
	}
}

func TestRegisterClampsMinute(t *testing.T) {
	s := newTestService(Options{BaseMinute: 57})
	var minutes []int
	for i := 0; i < 5; i++ {
		job, err := s.Register(domain.Account{ID: string(rune('a' + i)), Secret: "x"})
		require.NoError(t, err)
		minutes = append(minutes, job.At.Minute)
	}
	assert.Equal(t, []int{57, 58, 59, 59, 59}, minutes)
}

func TestDeleteAuthorization(t *testing.T) {
	s := newTestService(Options{Admin: "1"})
	acct := domain.Account{ID: "2020001", Secret: "x", Destination: "100"}
	_, err := s.Register(acct)
	require.NoError(t, err)

	_, err = s.Delete("2020001", "300")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 1, count(s.JobsByAccount("2020001"), domain.JobDaily))

	n, err := s.Delete("2020001", "100")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.JobsByAccount("2020001"))

	_, err = s.Register(acct)
	require.NoError(t, err)
	_, err = s.Delete("2020001", "1")
	require.NoError(t, err)
	assert.Empty(t, s.AccountIDs())
}

func TestDeleteRemovesRetriesOfEarlierRegistration(t *testing.T) {
	s := newTestService(Options{Admin: "1"})
	_, err := s.Restore(domain.Account{ID: "2020001", Secret: "x", Destination: "100"})
	require.NoError(t, err)
	_, err = s.Reschedule(domain.Account{ID: "2020001", Secret: "x", Destination: "100"}, 30*time.Minute)
	require.NoError(t, err)
	_, err = s.Restore(domain.Account{ID: "2020001", Secret: "y", Destination: "200"})
	require.NoError(t, err)

	_, err = s.Delete("2020001", "100")
	assert.ErrorIs(t, err, ErrForbidden, "the daily trigger now belongs to 200")
	assert.Len(t, s.JobsByAccount("2020001"), 2)

	n, err := s.Delete("2020001", "200")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.JobsByAccount("2020001"))
}

func TestDeleteOrphanedRetryByOwner(t *testing.T) {
	s := newTestService(Options{})
	_, err := s.ScheduleOnce(domain.Account{ID: "2020001", Secret: "x", Destination: "100"}, time.Hour)
	require.NoError(t, err)

	_, err = s.Delete("2020001", "300")
	assert.ErrorIs(t, err, ErrForbidden)
	n, err := s.Delete("2020001", "100")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRescheduleRequiresRegistration(t *testing.T) {
	s := newTestService(Options{})
	acct := domain.Account{ID: "2020001", Secret: "x", Destination: "100"}

	_, err := s.Reschedule(acct, 30*time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.Jobs())

	_, err = s.Register(acct)
	require.NoError(t, err)
	job, err := s.Reschedule(acct, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.JobOnce, job.Kind)
	assert.Equal(t, acct, job.Account)
}

func TestRescheduleAfterDeleteWhileRunning(t *testing.T) {
	pool := worker.NewPool(1)
	s := newTestService(Options{Pool: pool})
	started := make(chan domain.Account, 1)
	release := make(chan struct{})
	retryErr := make(chan error, 1)
	s.Start(context.Background(), func(_ context.Context, acct domain.Account) error {
		started <- acct
		<-release
		_, err := s.Reschedule(acct, 30*time.Minute)
		retryErr <- err
		return nil
	})
	defer s.Stop()

	acct := domain.Account{ID: "2020001", Secret: "x", Destination: "100"}
	_, err := s.Register(acct)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("immediate run did not start")
	}
	_, err = s.Delete("2020001", "100")
	require.NoError(t, err)
	close(release)
	pool.Wait()

	assert.ErrorIs(t, <-retryErr, ErrNotFound)
	assert.Empty(t, s.JobsByAccount("2020001"))
}

func TestDeleteUnknownAccount(t *testing.T) {
	s := newTestService(Options{})
	_, err := s.Delete("nobody", "100")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOneShotJobsCoexistWithDaily(t *testing.T) {
	s := newTestService(Options{})
	acct := domain.Account{ID: "2020001", Secret: "x", Destination: "100"}
	_, err := s.ScheduleDaily(acct, domain.TimeOfDay{Minute: 2})
	require.NoError(t, err)
	_, err = s.ScheduleOnce(acct, 45*time.Minute)
	require.NoError(t, err)
	_, err = s.ScheduleOnce(acct, 0)
	require.NoError(t, err)

	jobs := s.JobsByAccount("2020001")
	assert.Equal(t, 1, count(jobs, domain.JobDaily))
	assert.Equal(t, 2, count(jobs, domain.JobOnce))

	assert.Equal(t, 3, s.CancelAll("2020001"))
	assert.Empty(t, s.Jobs())
}

func TestScheduleOnceCarriesSnapshot(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, cst)
	s := newTestService(Options{Now: func() time.Time { return now }})
	acct := domain.Account{ID: "2020001", Secret: "x", Region: 5, Destination: "100"}
	job, err := s.ScheduleOnce(acct, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, acct, job.Account)
	assert.Equal(t, now.Add(30*time.Minute), job.RunAt)

	job, err = s.ScheduleOnce(acct, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(MinDelay), job.RunAt)
}

func TestTrigger(t *testing.T) {
	s := newTestService(Options{})
	_, err := s.ScheduleDaily(domain.Account{ID: "a", Secret: "x", Destination: "100"}, domain.TimeOfDay{})
	require.NoError(t, err)
	_, err = s.ScheduleDaily(domain.Account{ID: "b", Secret: "x", Destination: "200"}, domain.TimeOfDay{})
	require.NoError(t, err)
	_, err = s.ScheduleDaily(domain.Account{ID: "c", Secret: "x", Destination: "100"}, domain.TimeOfDay{})
	require.NoError(t, err)

	jobs := s.TriggerDestination("100")
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Account.ID)
	assert.Equal(t, "c", jobs[1].Account.ID)

	assert.Len(t, s.TriggerAll(), 3)

	job, err := s.Trigger("b")
	require.NoError(t, err)
	assert.Equal(t, domain.JobOnce, job.Kind)

	_, err = s.Trigger("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFireRunsAndDropsOneShot(t *testing.T) {
	pool := worker.NewPool(2)
	s := newTestService(Options{Pool: pool})
	ran := make(chan domain.Account, 1)
	s.Start(context.Background(), func(_ context.Context, acct domain.Account) error {
		ran <- acct
		return nil
	})
	defer s.Stop()

	acct := domain.Account{ID: "2020001", Secret: "x", Region: 1, Destination: "100"}
	_, err := s.ScheduleOnce(acct, 0)
	require.NoError(t, err)

	select {
	case got := <-ran:
		assert.Equal(t, acct, got)
	case <-time.After(3 * time.Second):
		t.Fatal("one-shot job did not fire")
	}
	pool.Wait()
	assert.Eventually(t, func() bool { return len(s.Jobs()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestCancelledJobDoesNotFire(t *testing.T) {
	s := newTestService(Options{})
	var mu sync.Mutex
	runs := 0
	s.Start(context.Background(), func(context.Context, domain.Account) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	defer s.Stop()

	_, err := s.ScheduleOnce(domain.Account{ID: "2020001", Secret: "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CancelAll("2020001"))

	time.Sleep(1500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, runs)
}

func TestDailyScheduleNext(t *testing.T) {
	d := dailySchedule{at: domain.TimeOfDay{Hour: 0, Minute: 3, Second: 10}, loc: cst}

	before := time.Date(2026, 10, 14, 0, 1, 0, 0, cst)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 3, 10, 0, cst), d.Next(before))

	after := time.Date(2026, 10, 14, 0, 3, 10, 0, cst)
	assert.Equal(t, time.Date(2026, 10, 15, 0, 3, 10, 0, cst), d.Next(after))

	// Times in another zone are converted first.
	utc := time.Date(2026, 10, 13, 16, 0, 0, 0, time.UTC) // 00:00 UTC+8
	assert.True(t, d.Next(utc).Equal(time.Date(2026, 10, 14, 0, 3, 10, 0, cst)))

	endOfMonth := time.Date(2026, 10, 31, 12, 0, 0, 0, cst)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 3, 10, 0, cst), d.Next(endOfMonth))
}

func TestOnceScheduleNext(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, cst)
	o := onceSchedule{at: at}
	assert.Equal(t, at, o.Next(at.Add(-time.Minute)))
	assert.True(t, o.Next(at).IsZero())
	assert.True(t, o.Next(at.Add(time.Minute)).IsZero())
}
