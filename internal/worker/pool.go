package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is one unit of work submitted to the pool.
type Task func(ctx context.Context) error

// Pool runs tasks on their own goroutines, at most size at a time.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free or ctx is done, then starts t. Errors
// and panics from t are logged under name.
func (p *Pool) Submit(ctx context.Context, name string, t Task) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		if err := run(ctx, t); err != nil {
			log.Error().Err(err).Str("task", name).Msg("task failed")
		}
	}()
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t(ctx)
}
