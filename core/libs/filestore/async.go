package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/core/libs/filestore/replicator"

	"golang.org/x/sync/errgroup"
)

// Store is the byte store shared by the services: files land on local disk
// first and are optionally mirrored to object storage in the background.
type Store interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
	Close(ctx context.Context) error
}

type storage interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type asyncStore struct {
	local      storage
	remote     storage
	replicator *replicator.Replicator
}

type Option func(*options)

type options struct {
	observe replicator.Observer
}

// WithReplicationObserver reports the outcome of every background mirror.
func WithReplicationObserver(fn replicator.Observer) Option {
	return func(o *options) { o.observe = fn }
}

// NewAsyncStore wraps local with background replication to remote.
// A nil remote gives a plain local store.
func NewAsyncStore(
	ctx context.Context,
	local storage,
	remote storage,
	queueSize,
	workerNum,
	maxRetries int,
	opts ...Option,
) *asyncStore {
	s := &asyncStore{local: local, remote: remote}
	if remote == nil {
		return s
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s.replicator = replicator.New(local, remote, queueSize, workerNum, maxRetries, o.observe)
	s.replicator.Start(ctx)
	return s
}

func (s *asyncStore) Close(ctx context.Context) error {
	if s.replicator == nil {
		return nil
	}
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}

	if s.replicator == nil {
		return written, hash, nil
	}

	ok := s.replicator.Enqueue(replicator.Job{
		Filename: filename,
		Size:     written,
		Hash:     hash,
	})
	if !ok {
		slog.Error("asyncStore: replication queue full, file saved only locally",
			slog.String("filename", filename),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if err == nil || s.remote == nil || !errors.Is(err, ErrNotFound) {
		return rc, size, err
	}

	return s.remote.Open(ctx, filename)
}

func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.local.CleanupOlderThan(eCtx, maxAge)
	})
	if s.remote != nil {
		eg.Go(func() error {
			return s.remote.CleanupOlderThan(eCtx, maxAge)
		})
	}

	return eg.Wait()
}
