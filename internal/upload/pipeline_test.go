package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakeUploader implements domain.Backend; only UploadFile matters here.
type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	uploadF func(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error)
}

var _ domain.Backend = (*fakeUploader)(nil)

func (f *fakeUploader) UploadFile(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
	f.mu.Lock()
	f.calls++
	fn := f.uploadF
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, r, name, size, mimeType, progress)
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	kind, _ := KindForMime(mimeType)
	return &domain.Attachment{URL: "/uploads/" + name, Name: name, Kind: kind, Size: n, MimeType: mimeType}, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeUploader) CreateMessage(context.Context, string, domain.Draft) (*domain.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeUploader) History(context.Context, string, int, string) (*domain.HistoryPage, error) {
	return nil, errors.New("not used")
}

func (f *fakeUploader) Typing(context.Context, string) error { return nil }

func (f *fakeUploader) ToggleReaction(context.Context, string, string) (*domain.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeUploader) Conversation(context.Context, string) (*domain.ConversationInfo, error) {
	return nil, errors.New("not used")
}

func writeTemp(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func newTestPipeline(f *fakeUploader) *Pipeline {
	return NewPipeline(PipelineConfig{Backend: f, Bus: bus.New(testLogger()), Logger: testLogger()})
}

func itemByID(p *Pipeline, id string) (Item, bool) {
	for _, it := range p.Items() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func TestPipeline_UploadsWithProgress(t *testing.T) {
	f := &fakeUploader{}
	mid := make(chan struct{})
	release := make(chan struct{})
	f.uploadF = func(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
		io.Copy(io.Discard, r)
		progress(37)
		close(mid)
		<-release
		progress(100)
		return &domain.Attachment{URL: "/uploads/" + name, Name: name, Kind: domain.AttachmentImage, Size: size, MimeType: mimeType}, nil
	}
	p := newTestPipeline(f)

	it, err := p.Add(context.Background(), writeTemp(t, "whiteboard.png", 256))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if it.Status != StatusUploading || it.Kind != domain.AttachmentImage {
		t.Fatalf("added item = %+v", it)
	}

	<-mid
	waitFor(t, func() bool {
		cur, ok := itemByID(p, it.ID)
		return ok && cur.Progress == 37 && cur.Status == StatusUploading
	})

	close(release)
	waitFor(t, func() bool {
		cur, ok := itemByID(p, it.ID)
		return ok && cur.Status == StatusComplete
	})

	cur, _ := itemByID(p, it.ID)
	if cur.Progress != 100 || cur.Ref == nil {
		t.Fatalf("completed item = %+v", cur)
	}
	if cur.Ref.URL != "/uploads/whiteboard.png" || cur.Ref.Size != 256 {
		t.Fatalf("attachment ref = %+v", cur.Ref)
	}
}

func TestPipeline_RejectsUnsupportedType(t *testing.T) {
	f := &fakeUploader{}
	p := newTestPipeline(f)

	it, err := p.Add(context.Background(), writeTemp(t, "notes.txt", 10))
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if it.Status != StatusError || it.Reason == "" {
		t.Fatalf("rejected item = %+v", it)
	}
	if f.callCount() != 0 {
		t.Fatalf("backend called %d times for a rejected file", f.callCount())
	}
}

func TestPipeline_RejectsOversizedFile(t *testing.T) {
	f := &fakeUploader{}
	p := NewPipeline(PipelineConfig{Backend: f, MaxSizeBytes: 64, Logger: testLogger()})

	it, err := p.Add(context.Background(), writeTemp(t, "huge.png", 65))
	if err == nil {
		t.Fatal("expected a size error")
	}
	if it.Status != StatusError {
		t.Fatalf("item status = %q", it.Status)
	}
	if f.callCount() != 0 {
		t.Fatal("oversized file must not reach the network")
	}
}

func TestPipeline_PartialBatchFailure(t *testing.T) {
	f := &fakeUploader{}
	p := newTestPipeline(f)
	ctx := context.Background()

	good1, err := p.Add(ctx, writeTemp(t, "slide1.png", 32))
	if err != nil {
		t.Fatalf("add slide1: %v", err)
	}
	if _, err := p.Add(ctx, writeTemp(t, "report.pdf", 32)); err == nil {
		t.Fatal("pdf should be rejected")
	}
	good2, err := p.Add(ctx, writeTemp(t, "slide2.jpg", 32))
	if err != nil {
		t.Fatalf("add slide2: %v", err)
	}

	waitFor(t, func() bool {
		a, _ := itemByID(p, good1.ID)
		b, _ := itemByID(p, good2.ID)
		return a.Status == StatusComplete && b.Status == StatusComplete
	})

	if got := len(p.Ready()); got != 2 {
		t.Fatalf("ready attachments = %d, want 2", got)
	}
	items := p.Items()
	if len(items) != 3 {
		t.Fatalf("tracked items = %d, want 3", len(items))
	}
	if items[1].Status != StatusError {
		t.Fatalf("rejected item status = %q", items[1].Status)
	}
}

func TestPipeline_TakeConsumesCompleted(t *testing.T) {
	f := &fakeUploader{}
	p := newTestPipeline(f)
	ctx := context.Background()

	a, _ := p.Add(ctx, writeTemp(t, "one.png", 8))
	b, _ := p.Add(ctx, writeTemp(t, "two.png", 8))
	p.Add(ctx, writeTemp(t, "bad.txt", 8))

	waitFor(t, func() bool {
		x, _ := itemByID(p, a.ID)
		y, _ := itemByID(p, b.ID)
		return x.Status == StatusComplete && y.Status == StatusComplete
	})

	refs := p.Take()
	if len(refs) != 2 {
		t.Fatalf("take = %d attachments, want 2", len(refs))
	}
	if refs[0].Name != "one.png" || refs[1].Name != "two.png" {
		t.Fatalf("take order = %q, %q", refs[0].Name, refs[1].Name)
	}

	// The failed item stays; completed ones are gone.
	items := p.Items()
	if len(items) != 1 || items[0].Status != StatusError {
		t.Fatalf("items after take = %+v", items)
	}
	if again := p.Take(); len(again) != 0 {
		t.Fatalf("second take = %d attachments", len(again))
	}
}

func TestPipeline_RemoveCancelsMidUpload(t *testing.T) {
	f := &fakeUploader{}
	started := make(chan struct{})
	returned := make(chan error, 1)
	f.uploadF = func(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
		close(started)
		<-ctx.Done()
		returned <- ctx.Err()
		return nil, ctx.Err()
	}
	p := newTestPipeline(f)

	it, err := p.Add(context.Background(), writeTemp(t, "long.mp4", 128))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	<-started

	if !p.Remove(it.ID) {
		t.Fatal("remove should find the item")
	}
	select {
	case err := <-returned:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("upload ended with %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload was not cancelled")
	}

	// The removed item must not resurface as an error entry.
	time.Sleep(20 * time.Millisecond)
	if got := len(p.Items()); got != 0 {
		t.Fatalf("items after remove = %d", got)
	}
}

func TestPipeline_RemoveReleasesCompleted(t *testing.T) {
	f := &fakeUploader{}
	p := newTestPipeline(f)

	it, _ := p.Add(context.Background(), writeTemp(t, "pic.png", 8))
	waitFor(t, func() bool {
		cur, ok := itemByID(p, it.ID)
		return ok && cur.Status == StatusComplete
	})

	if !p.Remove(it.ID) {
		t.Fatal("remove should find the item")
	}
	if len(p.Ready()) != 0 {
		t.Fatal("removed attachment still listed as ready")
	}
	if p.Remove(it.ID) {
		t.Fatal("second remove should report missing")
	}
}

func TestPipeline_BoundedConcurrency(t *testing.T) {
	f := &fakeUploader{}
	release := make(chan struct{})
	f.uploadF = func(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
		<-release
		return &domain.Attachment{URL: "/uploads/" + name, Name: name, Kind: domain.AttachmentImage, Size: size, MimeType: mimeType}, nil
	}
	p := NewPipeline(PipelineConfig{Backend: f, Concurrency: 1, Logger: testLogger()})
	ctx := context.Background()

	a, _ := p.Add(ctx, writeTemp(t, "first.png", 8))
	b, _ := p.Add(ctx, writeTemp(t, "second.png", 8))

	waitFor(t, func() bool { return f.callCount() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := f.callCount(); got != 1 {
		t.Fatalf("%d uploads in flight with concurrency 1", got)
	}

	close(release)
	waitFor(t, func() bool {
		x, _ := itemByID(p, a.ID)
		y, _ := itemByID(p, b.ID)
		return x.Status == StatusComplete && y.Status == StatusComplete
	})
}

func TestPipeline_ServerErrorMarksItem(t *testing.T) {
	f := &fakeUploader{}
	f.uploadF = func(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
		return nil, &domain.APIError{Kind: domain.KindValidation, Message: "file type not allowed", Status: 422}
	}
	p := newTestPipeline(f)

	it, _ := p.Add(context.Background(), writeTemp(t, "pic.png", 8))
	waitFor(t, func() bool {
		cur, ok := itemByID(p, it.ID)
		return ok && cur.Status == StatusError
	})

	cur, _ := itemByID(p, it.ID)
	if cur.Reason != "file type not allowed" {
		t.Fatalf("reason = %q", cur.Reason)
	}
	if len(p.Ready()) != 0 {
		t.Fatal("failed item must not be ready")
	}
}

func TestPipeline_BusNotifies(t *testing.T) {
	f := &fakeUploader{}
	b := bus.New(testLogger())
	p := NewPipeline(PipelineConfig{Backend: f, Bus: b, Logger: testLogger()})

	var mu sync.Mutex
	updates := 0
	b.On(bus.UploadsUpdated, func(bus.Update) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	it, _ := p.Add(context.Background(), writeTemp(t, "pic.png", 8))
	waitFor(t, func() bool {
		cur, ok := itemByID(p, it.ID)
		return ok && cur.Status == StatusComplete
	})

	mu.Lock()
	defer mu.Unlock()
	if updates < 2 {
		t.Fatalf("bus updates = %d, want at least add and complete", updates)
	}
}
