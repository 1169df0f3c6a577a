// Package archive offloads finished recordings to S3-compatible storage.
package archive

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/auris/internal/config"
	"github.com/oszuidwest/auris/internal/eventlog"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/util"
)

// MaxRetryAge is the maximum age for retrying uploads.
const MaxRetryAge = 24 * time.Hour

// Worker defaults.
const (
	DefaultQueueSize     = 64
	DefaultRetryTick     = 30 * time.Second
	DefaultRetryInitial  = time.Minute
	DefaultRetryMaxDelay = time.Hour
	uploadTimeout        = 5 * time.Minute
	contentType          = "audio/mpeg"
)

// ErrNotConfigured is returned when archiving is disabled or incomplete.
var ErrNotConfigured = errors.New("archive is not configured")

// ObjectClient is the subset of the S3 API used for archiving.
type ObjectClient interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store tracks which recordings have been archived.
type Store interface {
	Get(ctx context.Context, filename string) (*storage.Recording, error)
	PendingArchive(ctx context.Context) ([]storage.Recording, error)
	MarkArchived(ctx context.Context, filename string, at time.Time) error
}

// NewClient creates an S3 client for cfg. A custom endpoint switches to
// path-style addressing.
func NewClient(cfg config.ArchiveConfig) (*s3.Client, error) {
	if !cfg.Enabled || !util.IsConfigured(cfg.Bucket, cfg.AccessKeyID, cfg.SecretAccessKey) {
		return nil, ErrNotConfigured
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = cmp.Or(cfg.Region, "auto")
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...), nil
}

// TestConnection uploads and deletes a probe object in bucket.
func TestConnection(ctx context.Context, client ObjectClient, bucket string) error {
	key := fmt.Sprintf("auris-connection-test-%d.txt", time.Now().UnixNano())
	content := []byte("auris connection test")

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	}); err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		slog.Warn("failed to delete test file", "key", key, "error", err)
	}
	return nil
}

// Key returns the object key of a recording: <prefix>/<YYYY>/<MM>/<filename>.
func Key(prefix, filename string, created time.Time) string {
	return path.Join(prefix, created.Format("2006"), created.Format("01"), filename)
}

// upload is a file waiting to be uploaded.
type upload struct {
	filename string
	key      string
}

// pendingUpload tracks a failed upload for retry.
type pendingUpload struct {
	upload       upload
	firstAttempt time.Time
	nextAttempt  time.Time
	backoff      *util.Backoff
	lastError    string
}

// Options tunes an Archiver.
type Options struct {
	QueueSize     int
	RetryTick     time.Duration
	RetryInitial  time.Duration
	RetryMaxDelay time.Duration
	Now           func() time.Time
}

// Archiver uploads recordings from a queue and retries failures with
// exponential backoff.
type Archiver struct {
	client ObjectClient
	bucket string
	prefix string
	dir    string
	store  Store
	events *eventlog.Logger
	opts   Options

	queue    chan upload
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	retries []pendingUpload
}

// New creates an Archiver for recordings in dir.
func New(client ObjectClient, cfg config.ArchiveConfig, dir string, store Store, events *eventlog.Logger, opts Options) *Archiver {
	opts.QueueSize = cmp.Or(opts.QueueSize, DefaultQueueSize)
	opts.RetryTick = cmp.Or(opts.RetryTick, DefaultRetryTick)
	opts.RetryInitial = cmp.Or(opts.RetryInitial, DefaultRetryInitial)
	opts.RetryMaxDelay = cmp.Or(opts.RetryMaxDelay, DefaultRetryMaxDelay)
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		dir:    dir,
		store:  store,
		events: events,
		opts:   opts,
		queue:  make(chan upload, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start queues every finished recording that has not been archived yet and
// starts the upload worker.
func (a *Archiver) Start(ctx context.Context) error {
	pending, err := a.store.PendingArchive(ctx)
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go a.worker()

	for _, rec := range pending {
		a.enqueue(rec.Filename, rec.CreatedAt)
	}
	if len(pending) > 0 {
		slog.Info("queued recordings for archive", "count", len(pending))
	}
	return nil
}

// Stop drains the queue and stops the worker. Later calls only wait.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Enqueue queues a finished recording for upload.
func (a *Archiver) Enqueue(ctx context.Context, filename string) error {
	rec, err := a.store.Get(ctx, filename)
	if err != nil {
		return err
	}
	if rec.Active() {
		return fmt.Errorf("archive %s: recording in progress", filename)
	}
	a.enqueue(rec.Filename, rec.CreatedAt)
	return nil
}

// Pending returns the number of uploads waiting for a retry.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.retries)
}

func (a *Archiver) enqueue(filename string, created time.Time) {
	u := upload{filename: filename, key: Key(a.prefix, filename, created)}
	a.log(eventlog.ArchiveQueued, u, 0, "")
	select {
	case a.queue <- u:
		slog.Info("queued file for archive", "file", filename, "key", u.key)
	default:
		slog.Warn("archive queue full, retrying later", "file", filename)
		a.addToRetryQueue(u, "queue full")
	}
}

// worker processes the upload queue, draining remaining items on shutdown.
func (a *Archiver) worker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			for {
				select {
				case u := <-a.queue:
					a.process(u)
				default:
					return
				}
			}
		case u := <-a.queue:
			a.process(u)
		case <-ticker.C:
			a.processRetryQueue()
		}
	}
}

func (a *Archiver) process(u upload) {
	err := a.put(u)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("archive source no longer exists", "file", u.filename)
	default:
		slog.Error("archive upload failed", "file", u.filename, "key", u.key, "error", err)
		a.log(eventlog.ArchiveFailed, u, 0, err.Error())
		a.addToRetryQueue(u, err.Error())
	}
}

// put uploads one file and marks it archived.
func (a *Archiver) put(u upload) error {
	ctx, cancel := context.WithTimeoutCause(context.Background(), uploadTimeout, errors.New("archive upload timeout"))
	defer cancel()

	file, err := os.Open(filepath.Join(a.dir, u.filename))
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close file after upload", "file", u.filename, "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(u.key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return err
	}

	if err := a.store.MarkArchived(ctx, u.filename, a.opts.Now()); err != nil {
		slog.Warn("uploaded recording could not be marked archived", "file", u.filename, "error", err)
	}
	slog.Info("archive upload completed", "file", u.filename, "key", u.key)
	a.log(eventlog.ArchiveCompleted, u, 0, "")
	return nil
}

// addToRetryQueue adds a failed upload to the retry queue.
func (a *Archiver) addToRetryQueue(u upload, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.retries {
		if p.upload.filename == u.filename {
			return
		}
	}

	b := util.NewBackoff(a.opts.RetryInitial, a.opts.RetryMaxDelay)
	now := a.opts.Now()
	a.retries = append(a.retries, pendingUpload{
		upload:       u,
		firstAttempt: now,
		nextAttempt:  now.Add(b.Next()),
		backoff:      b,
		lastError:    errMsg,
	})
}

// processRetryQueue retries every pending upload that is due.
func (a *Archiver) processRetryQueue() {
	a.mu.Lock()
	if len(a.retries) == 0 {
		a.mu.Unlock()
		return
	}
	pending := a.retries
	a.retries = nil
	a.mu.Unlock()

	now := a.opts.Now()
	var keep []pendingUpload
	for i := range pending {
		p := &pending[i]

		if now.Sub(p.firstAttempt) > MaxRetryAge {
			slog.Warn("archive upload abandoned", "file", p.upload.filename, "attempts", p.backoff.Attempts())
			a.log(eventlog.ArchiveAbandoned, p.upload, p.backoff.Attempts(), p.lastError)
			continue
		}
		if now.Before(p.nextAttempt) {
			keep = append(keep, *p)
			continue
		}

		slog.Info("retrying archive upload", "file", p.upload.filename, "attempt", p.backoff.Attempts())
		a.log(eventlog.ArchiveRetry, p.upload, p.backoff.Attempts(), "")

		err := a.put(p.upload)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("archive source no longer exists", "file", p.upload.filename)
		default:
			p.lastError = err.Error()
			p.nextAttempt = now.Add(p.backoff.Next())
			a.log(eventlog.ArchiveFailed, p.upload, p.backoff.Attempts(), err.Error())
			keep = append(keep, *p)
		}
	}

	a.mu.Lock()
	a.retries = append(a.retries, keep...)
	a.mu.Unlock()
}

func (a *Archiver) log(t eventlog.EventType, u upload, retry int, errMsg string) {
	if err := a.events.Record(t, "", &eventlog.Details{
		Filename:   u.filename,
		Key:        u.key,
		RetryCount: retry,
		Error:      errMsg,
	}); err != nil {
		slog.Warn("failed to write event", "type", t, "error", err)
	}
}
