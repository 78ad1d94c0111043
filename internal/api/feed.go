package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

// Exporter ships a notification to an external consumer, e.g. a storage
// queue.
type Exporter interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type FeedOptions struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// ChangeFeed exports notifications through a bounded worker pool so a slow
// exporter never holds up the sync path.
type ChangeFeed struct {
	exporter Exporter
	log      *log.Logger
	opts     FeedOptions

	jobs      chan domain.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewChangeFeed(exporter Exporter, opts FeedOptions, logger *log.Logger) *ChangeFeed {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	f := &ChangeFeed{
		exporter: exporter,
		log:      logger,
		opts:     opts,
		jobs:     make(chan domain.Event, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
	logger.Infof("change feed started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.Timeout, opts.HandoffTimeout)
	return f
}

func (f *ChangeFeed) worker(id int) {
	defer f.wg.Done()
	for ev := range f.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.Timeout)
		err := f.exporter.Publish(ctx, ev)
		cancel()
		if err != nil {
			f.log.Errorf("feed export failed, err: %v, event: %s, worker: %d", err, ev.Name, id)
		}
	}
}

// Submit hands ev to the pool. It waits at most HandoffTimeout for room and
// reports false when the event was not accepted.
func (f *ChangeFeed) Submit(ev domain.Event) bool {
	if ok, closed := trySendNonBlocking(f.jobs, ev); closed {
		return false
	} else if ok {
		return true
	}
	if f.opts.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(f.opts.HandoffTimeout)
	defer timer.Stop()
	ok, _ := sendWithTimer(f.jobs, ev, timer.C)
	return ok
}

// Close stops accepting events and waits for queued exports to finish.
func (f *ChangeFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.jobs)
	})
	f.wg.Wait()
}

func trySendNonBlocking(ch chan domain.Event, ev domain.Event) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan domain.Event, ev domain.Event, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	case <-timer:
		return false, false
	}
}
