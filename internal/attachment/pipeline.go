package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/objectstore"
	"github.com/matheus3301/convo/internal/store"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ProgressFunc receives upload progress in percent. Values are strictly
// increasing and end at 100 on success.
type ProgressFunc func(percent int)

// Options configures a Pipeline.
type Options struct {
	// MaxBytes is the size ceiling. Files must be smaller than MaxBytes.
	MaxBytes int64
	// Retries is how many times a failed transfer is retried.
	Retries       int
	RetryInterval time.Duration
}

// Result is a completed upload.
type Result struct {
	URL          string
	ThumbnailURL string
	Size         int64
	MimeType     string
	FileName     string
	Duration     time.Duration
}

// Attachment returns the message reference for the result.
func (r Result) Attachment() *store.Attachment {
	return &store.Attachment{
		URL:          r.URL,
		ThumbnailURL: r.ThumbnailURL,
		Size:         r.Size,
		MimeType:     r.MimeType,
		FileName:     r.FileName,
		DurationSec:  r.Duration.Seconds(),
	}
}

// Pipeline validates files and uploads them to an object store.
type Pipeline struct {
	objects objectstore.Store
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	uploads map[string]*Upload
	started atomic.Int64
}

// New creates a pipeline writing to objects.
func New(objects objectstore.Store, opts Options, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 << 20
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Pipeline{
		objects: objects,
		opts:    opts,
		bus:     b,
		logger:  logger,
		uploads: make(map[string]*Upload),
	}
}

// MaxBytes returns the size ceiling.
func (p *Pipeline) MaxBytes() int64 { return p.opts.MaxBytes }

// Validate checks f for kind without uploading it. An empty mime type is
// sniffed from content and written back to f.
func (p *Pipeline) Validate(kind store.Kind, f *File) error {
	return validate(kind, f, p.opts.MaxBytes)
}

// Upload validates and uploads f, blocking until it completes.
func (p *Pipeline) Upload(ctx context.Context, kind store.Kind, f File, onProgress ProgressFunc) (Result, error) {
	u, err := p.Start(ctx, kind, f, onProgress)
	if err != nil {
		return Result{}, err
	}
	defer p.Release(u)
	return u.Wait(ctx)
}

// Start validates f and begins uploading it in the background. Invalid
// files fail here, before any transfer starts.
func (p *Pipeline) Start(ctx context.Context, kind store.Kind, f File, onProgress ProgressFunc) (*Upload, error) {
	if err := p.Validate(kind, &f); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	ctx, cancel := context.WithCancel(ctx)
	u := &Upload{
		id:         id,
		key:        objectKey(kind, id, f.Name),
		kind:       kind,
		file:       f,
		status:     StatusPending,
		onProgress: onProgress,
		cancel:     cancel,
		done:       make(chan struct{}),
		pipeline:   p,
	}

	p.mu.Lock()
	p.uploads[id] = u
	p.mu.Unlock()
	p.started.Add(1)

	go u.run(ctx)
	return u, nil
}

// Lookup returns an upload that has not been released.
func (p *Pipeline) Lookup(id string) (*Upload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.uploads[id]
	return u, ok
}

// Release forgets an upload once its message is queued or it was abandoned.
func (p *Pipeline) Release(u *Upload) {
	p.mu.Lock()
	delete(p.uploads, u.id)
	p.mu.Unlock()
}

// Active returns the number of uploads not yet released.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.uploads)
}

// Started returns how many uploads were ever started.
func (p *Pipeline) Started() int64 { return p.started.Load() }

func objectKey(kind store.Kind, id, name string) string {
	ext := path.Ext(name)
	if len(ext) > 10 {
		ext = ""
	}
	return string(kind) + "/" + id + ext
}

// Status is the lifecycle state of an upload.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ProgressEvent is published on the bus for every progress step.
type ProgressEvent struct {
	UploadID string
	Percent  int
}

// FinishedEvent is published on the bus when an upload ends.
type FinishedEvent struct {
	UploadID string
	Status   Status
	Error    string
}

// Upload is one in-flight transfer.
type Upload struct {
	id         string
	key        string
	kind       store.Kind
	file       File
	onProgress ProgressFunc
	cancel     context.CancelFunc
	done       chan struct{}
	pipeline   *Pipeline

	mu       sync.Mutex
	status   Status
	progress int
	reported bool
	result   Result
	err      error
}

// ID returns the upload id.
func (u *Upload) ID() string { return u.id }

// Kind returns the content kind the file was validated for.
func (u *Upload) Kind() store.Kind { return u.kind }

// File returns the validated source file.
func (u *Upload) File() File { return u.file }

// Status returns the current status.
func (u *Upload) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Progress returns the highest percentage reported so far.
func (u *Upload) Progress() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progress
}

// Done is closed when the upload completes, fails or is cancelled.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Result returns the result of a complete upload.
func (u *Upload) Result() (Result, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result, u.status == StatusComplete
}

// Wait blocks until the upload ends or ctx is done.
func (u *Upload) Wait(ctx context.Context) (Result, error) {
	select {
	case <-u.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result, u.err
}

// Cancel aborts the transfer. It has no effect on a finished upload.
func (u *Upload) Cancel() {
	u.mu.Lock()
	if u.status == StatusPending || u.status == StatusUploading {
		u.status = StatusCancelled
	}
	u.mu.Unlock()
	u.cancel()
	u.pipeline.Release(u)
}

// report raises progress to percent if it is higher than anything reported.
func (u *Upload) report(percent int) {
	u.mu.Lock()
	if u.reported && percent <= u.progress {
		u.mu.Unlock()
		return
	}
	if u.status == StatusCancelled {
		u.mu.Unlock()
		return
	}
	u.progress = percent
	u.reported = true
	fn := u.onProgress
	u.mu.Unlock()

	if fn != nil {
		fn(percent)
	}
	u.pipeline.bus.Emit(bus.UploadProgress, ProgressEvent{UploadID: u.id, Percent: percent})
}

func (u *Upload) run(ctx context.Context) {
	p := u.pipeline
	start := time.Now()
	defer u.cancel()
	defer close(u.done)

	u.mu.Lock()
	if u.status == StatusPending {
		u.status = StatusUploading
	}
	u.mu.Unlock()
	u.report(0)

	obj := objectstore.Object{
		Key:         u.key,
		ContentType: u.file.MimeType,
		Size:        u.file.Size,
		Thumbnail:   u.kind == store.KindImage || u.kind == store.KindVideo,
	}

	var stored objectstore.Stored
	attempt := func() error {
		rc, err := u.file.Open()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open %s: %w", u.file.Name, err))
		}
		defer func() { _ = rc.Close() }()

		stored, err = p.objects.Put(ctx, obj, &progressReader{r: rc, total: u.file.Size, report: u.report})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("upload attempt failed",
			zap.String("upload_id", u.id), zap.Error(err), zap.Duration("retry_in", wait))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	err := backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.opts.Retries, 0))), ctx), notify)

	u.mu.Lock()
	switch {
	case u.status == StatusCancelled || errors.Is(err, context.Canceled):
		u.status = StatusCancelled
		u.err = ErrCancelled
	case err != nil:
		u.status = StatusFailed
		u.err = fmt.Errorf("%w: %v", ErrUploadFailed, err)
	default:
		u.status = StatusComplete
		u.result = Result{
			URL:          stored.URL,
			ThumbnailURL: stored.ThumbnailURL,
			Size:         u.file.Size,
			MimeType:     u.file.MimeType,
			FileName:     u.file.Name,
			Duration:     u.file.Duration,
		}
	}
	status, uerr := u.status, u.err
	u.mu.Unlock()

	if status == StatusComplete {
		u.report(100)
	}
	metrics.RecordUpload(string(u.kind), string(status), u.file.Size, time.Since(start).Seconds())

	evt := FinishedEvent{UploadID: u.id, Status: status}
	if uerr != nil {
		evt.Error = uerr.Error()
		p.logger.Info("upload ended", zap.String("upload_id", u.id), zap.String("status", string(status)), zap.Error(uerr))
	} else {
		p.logger.Info("upload complete", zap.String("upload_id", u.id), zap.String("url", stored.URL), zap.Int64("bytes", u.file.Size))
	}
	p.bus.Emit(bus.UploadFinished, evt)
}

// progressReader reports read progress, holding at 99 until the store
// confirms the object.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(int)
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.read += int64(n)
		pct := int(pr.read * 100 / pr.total)
		pr.report(min(pct, 99))
	}
	return n, err
}
