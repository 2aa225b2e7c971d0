package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Source interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
}

type Sink interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

// Observer is told the final outcome of every job: nil once the file is
// mirrored, the last error once retries are exhausted or the job is dropped.
type Observer func(filename string, err error)

var ErrDropped = errors.New("replication job dropped")

type Job struct {
	Filename string
	Size     int64
	Hash     string

	attempt int
	retry   backoff.BackOff
}

// Replicator mirrors artifacts from local disk into object storage with a
// fixed pool of workers. Failed jobs come back after an exponential delay
// until maxRetries attempts have failed.
type Replicator struct {
	local  Source
	remote Sink

	queue      chan Job
	workerNum  int
	maxRetries int
	firstDelay time.Duration
	observe    Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(local Source, remote Sink, queueSize, workerNum, maxRetries int, observe Observer) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if observe == nil {
		observe = func(string, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		firstDelay: 500 * time.Millisecond,
		observe:    observe,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for i := range r.workerNum {
		go r.worker(i)
	}
}

// Stop closes the queue and waits for in-flight jobs. Queued retries that
// have not fired yet are dropped.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-done:
		r.cancel()
	}

	slog.Info("replicator stopped")
	return nil
}

// Enqueue never blocks; it reports false when the queue is full or closed.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker(id int) {
	defer r.wg.Done()

	for job := range r.queue {
		if r.ctx.Err() != nil {
			r.observe(job.Filename, ErrDropped)
			continue
		}
		r.handle(id, job)
	}
}

func (r *Replicator) handle(worker int, job Job) {
	err := r.replicate(r.ctx, job)
	if err == nil {
		r.observe(job.Filename, nil)
		return
	}

	l := slog.With(
		slog.String("filename", job.Filename),
		slog.Int("worker", worker),
		slog.Int("attempt", job.attempt+1),
		slog.String("error", err.Error()),
	)

	if job.attempt >= r.maxRetries {
		l.Error("replication failed, giving up")
		r.observe(job.Filename, err)
		return
	}

	if job.retry == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.firstDelay
		b.MaxElapsedTime = 0
		job.retry = b
	}
	job.attempt++
	delay := job.retry.NextBackOff()
	l.Warn("replication failed, retrying", slog.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		if !r.Enqueue(job) {
			l.Error("replication retry dropped")
			r.observe(job.Filename, ErrDropped)
		}
	})
}

func (r *Replicator) replicate(ctx context.Context, job Job) error {
	rc, size, err := r.local.Open(ctx, job.Filename)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, job.Filename, size)
	if err != nil {
		return fmt.Errorf("save remote: %w", err)
	}
	if written != size {
		return fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if job.Hash != "" && remoteHash != "" && job.Hash != remoteHash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.Hash, remoteHash)
	}

	slog.Debug("artifact mirrored",
		slog.String("filename", job.Filename),
		slog.Int64("size", written),
	)
	return nil
}
