// Package upload prepares message attachments. Files are validated locally,
// accepted ones stream to the platform with bounded concurrency, and the
// finished references wait in a pending list until a send consumes them.
// Items fail independently; one bad file never blocks the rest of a batch.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

const (
	defaultMaxSizeBytes = 50 * 1024 * 1024
	defaultConcurrency  = 3
)

// Status tracks an item through its upload lifecycle.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Item is one file moving through the pipeline.
type Item struct {
	ID       string
	Name     string
	Size     int64
	MimeType string
	Kind     domain.AttachmentKind
	Status   Status
	Progress int
	Reason   string
	// Ref is the stored attachment reference, set once Status is complete.
	Ref *domain.Attachment
}

type tracked struct {
	Item
	cancel context.CancelFunc
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Backend      domain.Backend
	Bus          *bus.Bus
	MaxSizeBytes int64 // max file size in bytes (default: 50MB)
	Concurrency  int   // parallel uploads (default: 3)
	Logger       *slog.Logger
}

// Pipeline validates and uploads attachment files.
type Pipeline struct {
	backend domain.Backend
	bus     *bus.Bus
	maxSize int64
	sem     chan struct{}
	logger  *slog.Logger

	mu    sync.Mutex
	order []string
	items map[string]*tracked
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSizeBytes
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		backend: cfg.Backend,
		bus:     cfg.Bus,
		maxSize: maxSize,
		sem:     make(chan struct{}, concurrency),
		logger:  logger,
		items:   make(map[string]*tracked),
	}
}

// Add registers one local file. A validation failure is returned as an error
// and the item stays visible in the list with status error; nothing is sent
// for it. Accepted files start uploading immediately and report progress
// through the bus.
func (p *Pipeline) Add(ctx context.Context, path string) (Item, error) {
	it := &tracked{Item: Item{ID: uuid.NewString(), Name: filepath.Base(path)}}

	kind, mimeType, ok := DetectType(it.Name)
	if !ok {
		return p.reject(it, fmt.Sprintf("%s is not an accepted image or video", it.Name))
	}
	it.Kind = kind
	it.MimeType = mimeType

	fi, err := os.Stat(path)
	if err != nil {
		return p.reject(it, fmt.Sprintf("cannot read %s", it.Name))
	}
	it.Size = fi.Size()
	if err := CheckSize(it.Name, it.Size, p.maxSize); err != nil {
		return p.reject(it, err.Error())
	}

	f, err := os.Open(path)
	if err != nil {
		return p.reject(it, fmt.Sprintf("cannot read %s", it.Name))
	}

	runCtx, cancel := context.WithCancel(ctx)
	it.Status = StatusUploading
	it.cancel = cancel
	snapshot := it.Item

	p.mu.Lock()
	p.items[it.ID] = it
	p.order = append(p.order, it.ID)
	p.mu.Unlock()
	p.publish()

	go p.run(runCtx, it.ID, f)
	return snapshot, nil
}

// reject registers a dead-on-arrival item so the list shows what happened.
func (p *Pipeline) reject(it *tracked, reason string) (Item, error) {
	it.Status = StatusError
	it.Reason = reason
	p.mu.Lock()
	p.items[it.ID] = it
	p.order = append(p.order, it.ID)
	p.mu.Unlock()
	p.publish()
	p.logger.Warn("attachment rejected", "name", it.Name, "reason", reason)
	return it.Item, errors.New(reason)
}

func (p *Pipeline) run(ctx context.Context, id string, f *os.File) {
	defer f.Close()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.fail(id, ctx.Err())
		return
	}
	defer func() { <-p.sem }()

	it, ok := p.lookup(id)
	if !ok {
		// Removed while queued.
		return
	}

	att, err := p.backend.UploadFile(ctx, f, it.Name, it.Size, it.MimeType, func(pct int) {
		p.setProgress(id, pct)
	})
	if err != nil {
		p.fail(id, err)
		return
	}
	p.complete(id, att)
}

func (p *Pipeline) setProgress(id string, pct int) {
	p.mu.Lock()
	it, ok := p.items[id]
	if !ok || it.Status != StatusUploading || it.Progress == pct {
		p.mu.Unlock()
		return
	}
	it.Progress = pct
	p.mu.Unlock()
	p.publish()
}

func (p *Pipeline) fail(id string, err error) {
	p.mu.Lock()
	it, ok := p.items[id]
	if !ok {
		// Removed mid-upload; the cancellation error is expected.
		p.mu.Unlock()
		return
	}
	it.Status = StatusError
	it.Reason = uploadReason(err)
	name := it.Name
	cancel := it.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.logger.Warn("upload failed", "name", name, "error", err)
	p.publish()
}

func (p *Pipeline) complete(id string, att *domain.Attachment) {
	p.mu.Lock()
	it, ok := p.items[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	it.Status = StatusComplete
	it.Progress = 100
	it.Ref = att
	name, size := it.Name, it.Size
	cancel := it.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.logger.Info("upload complete", "name", name, "size", size)
	p.publish()
}

// Remove discards one item. A mid-upload item is cancelled; a completed one
// is released without being sent.
func (p *Pipeline) Remove(id string) bool {
	p.mu.Lock()
	it, ok := p.items[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.items, id)
	p.order = deleteID(p.order, id)
	cancel := it.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.publish()
	return true
}

// Items returns every tracked item in the order it was added.
func (p *Pipeline) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Item, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.items[id].Item)
	}
	return out
}

// Ready lists completed attachment references without consuming them.
func (p *Pipeline) Ready() []domain.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	var refs []domain.Attachment
	for _, id := range p.order {
		if it := p.items[id]; it.Status == StatusComplete && it.Ref != nil {
			refs = append(refs, *it.Ref)
		}
	}
	return refs
}

// Take consumes the completed attachments for a send. Uploading and failed
// items stay in the list.
func (p *Pipeline) Take() []domain.Attachment {
	p.mu.Lock()
	var refs []domain.Attachment
	keep := p.order[:0]
	for _, id := range p.order {
		it := p.items[id]
		if it.Status == StatusComplete && it.Ref != nil {
			refs = append(refs, *it.Ref)
			delete(p.items, id)
			continue
		}
		keep = append(keep, id)
	}
	p.order = keep
	p.mu.Unlock()

	if len(refs) > 0 {
		p.publish()
	}
	return refs
}

func (p *Pipeline) lookup(id string) (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.items[id]
	if !ok {
		return Item{}, false
	}
	return it.Item, true
}

func (p *Pipeline) publish() {
	if p.bus == nil {
		return
	}
	p.bus.Emit(bus.Update{Type: bus.UploadsUpdated, Timestamp: time.Now()})
}

func deleteID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func uploadReason(err error) string {
	var apiErr *domain.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "could not reach the server"
	}
}
