package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

// ErrQueueFull is returned when the background queue cannot accept
// another execution request.
var ErrQueueFull = errors.New("execution queue is full")

const queueCapacity = 64

type job struct {
	record      *store.ExecutionRecord
	testCaseIDs []uint
	opts        RunOptions
}

// Dispatcher runs prepared executions on a fixed pool of background
// workers. Callers get the pending record back immediately and observe
// progress by polling it.
type Dispatcher struct {
	log     logrus.FieldLogger
	engine  *Engine
	workers int

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewDispatcher creates a dispatcher over the given engine.
func NewDispatcher(log logrus.FieldLogger, engine *Engine, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}

	return &Dispatcher{
		log:     log.WithField("component", "dispatcher"),
		engine:  engine,
		workers: workers,
		jobs:    make(chan job, queueCapacity),
	}
}

// Start launches the worker pool. Workers drain the queue until Stop
// closes it; the context bounds the work itself.
func (d *Dispatcher) Start(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)

		go func() {
			defer d.wg.Done()

			for j := range d.jobs {
				d.process(ctx, j)
			}
		}()
	}

	d.log.WithField("workers", d.workers).Info("Execution dispatcher started")

	return nil
}

// Stop closes the queue and waits for in-flight executions to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()

		return nil
	}

	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()

	return nil
}

// SubmitTestCase prepares a pending record for the test case and
// queues its execution. The returned record is the acknowledgment.
func (d *Dispatcher) SubmitTestCase(ctx context.Context, testCaseID uint, opts RunOptions) (*store.ExecutionRecord, error) {
	rec, err := d.engine.PrepareTestCase(ctx, testCaseID, opts)
	if err != nil {
		return nil, err
	}

	if err := d.enqueue(job{record: rec, opts: opts}); err != nil {
		return nil, d.rejectPrepared(ctx, rec, err)
	}

	return rec, nil
}

// SubmitSuite prepares a pending aggregate record and queues the suite
// run.
func (d *Dispatcher) SubmitSuite(ctx context.Context, projectID uint, testCaseIDs []uint, opts RunOptions) (*store.ExecutionRecord, error) {
	rec, err := d.engine.PrepareSuite(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}

	if err := d.enqueue(job{record: rec, testCaseIDs: testCaseIDs, opts: opts}); err != nil {
		return nil, d.rejectPrepared(ctx, rec, err)
	}

	return rec, nil
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return fmt.Errorf("dispatcher is stopped")
	}

	select {
	case d.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// rejectPrepared closes out a record whose job never made it onto the
// queue, so it does not linger in pending forever.
func (d *Dispatcher) rejectPrepared(ctx context.Context, rec *store.ExecutionRecord, cause error) error {
	if _, err := d.engine.Cancel(ctx, rec.ID, "dispatcher"); err != nil {
		d.log.WithError(err).WithField("execution", rec.ID).Warn("Failed to close rejected execution")
	}

	return cause
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	var err error

	if j.record.IsSuite {
		_, err = d.engine.RunPendingSuite(ctx, j.record, j.testCaseIDs, j.opts)
	} else {
		_, err = d.engine.RunPending(ctx, j.record)
	}

	if err != nil {
		d.log.WithError(err).WithField("execution", j.record.ID).Error("Background execution failed")
	}
}
