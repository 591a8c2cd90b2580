package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Task interface {
	Execute(ctx context.Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Execute(ctx context.Context) { f(ctx) }

type Pool interface {
	Run(ctx context.Context) error
}

type WorkPool struct {
	size  int64
	sem   *semaphore.Weighted
	tasks []Task
}

func NewWorkPool(maxWorkers int) *WorkPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkPool{
		size:  int64(maxWorkers),
		sem:   semaphore.NewWeighted(int64(maxWorkers)),
		tasks: make([]Task, 0),
	}
}

func (p *WorkPool) AddTask(task Task) {
	p.tasks = append(p.tasks, task)
}

// Run starts the tasks in order, at most size at a time, and waits for every
// started task to return. If ctx is cancelled, tasks not yet started are
// never executed and ctx's error is returned.
func (p *WorkPool) Run(ctx context.Context) error {
	var (
		wg  sync.WaitGroup
		err error
	)
	for _, task := range p.tasks {
		if err = p.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer p.sem.Release(1)
			task.Execute(ctx)
		}(task)
	}

	wg.Wait()
	return err
}
