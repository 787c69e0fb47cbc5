// Package archive implements best-effort, asynchronous archival of
// cancelled frame payloads to S3. It exists purely for offline post-mortem
// of preemption/backlog patterns: a slow or unreachable archive endpoint
// must never be allowed to stall the transmit loop, so every upload happens
// on its own goroutine fed by a bounded channel, the same "never block the
// hot path on a slow sink" discipline internal/server/storage.go applies to
// its AtomicWriter, adapted here from temp-then-rename to stage-then-PutObject.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader puts an object to S3. Satisfied by *s3.Client; abstracted so
// tests can substitute a fake without a real AWS endpoint.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an Archiver.
type Options struct {
	Bucket     string
	Prefix     string
	QueueDepth int // bounded channel depth; default 64
	Timeout    time.Duration
	Logger     *slog.Logger
}

// job is one pending upload.
type job struct {
	key     string
	payload []byte
}

// Archiver persists cancelled-frame payloads to S3 on a dedicated goroutine.
// ArchiveCancelled never blocks the caller: when the channel is full it drops
// the payload (logging a warning) rather than applying backpressure to the
// transmit loop.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
	logger   *slog.Logger

	jobs chan job

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New starts an Archiver backed by the given Uploader.
func New(uploader Uploader, opts Options) (*Archiver, error) {
	if uploader == nil {
		return nil, fmt.Errorf("archive: uploader is required")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Archiver{
		uploader: uploader,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		timeout:  opts.Timeout,
		logger:   logger.With("component", "archiver"),
		jobs:     make(chan job, opts.QueueDepth),
		stopCh:   make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()

	return a, nil
}

// ArchiveCancelled enqueues a cancelled frame's payload for upload, keyed by
// stream name, frame number, and the cancellation time. Drops (and logs)
// the payload if the upload queue is full rather than blocking the caller.
func (a *Archiver) ArchiveCancelled(streamName string, frameNumber uint16, at time.Time, payload []byte) {
	key := a.objectKey(streamName, frameNumber, at)

	// Copy: the caller (the sender's terminal callback) owns payload and may
	// reuse or discard it immediately after this call returns.
	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case a.jobs <- job{key: key, payload: cp}:
	default:
		a.logger.Warn("archive queue full, dropping cancelled frame", "key", key, "bytes", len(cp))
	}
}

func (a *Archiver) objectKey(streamName string, frameNumber uint16, at time.Time) string {
	ts := at.UTC().Format("20060102T150405.000Z")
	name := fmt.Sprintf("%s/frame-%05d-%s.bin", streamName, frameNumber, ts)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			a.drain()
			return
		case j := <-a.jobs:
			a.upload(j)
		}
	}
}

// drain flushes any already-queued jobs before exiting, since they were
// accepted before Stop was called.
func (a *Archiver) drain() {
	for {
		select {
		case j := <-a.jobs:
			a.upload(j)
		default:
			return
		}
	}
}

func (a *Archiver) upload(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(j.key),
		Body:   bytes.NewReader(j.payload),
	})
	if err != nil {
		a.logger.Error("archiving cancelled frame failed", "key", j.key, "error", err)
		return
	}
	a.logger.Debug("archived cancelled frame", "key", j.key, "bytes", len(j.payload))
}

// Stop signals the archiver to flush queued uploads and exit. Blocks until
// the worker goroutine has drained the queue.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}
