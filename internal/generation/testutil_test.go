package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"github.com/suPer8Hu/genstudio/internal/storage"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Job{}, &ModerationReview{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

// fakeBackend writes a small artifact at the job's output path unless fn
// overrides it.
type fakeBackend struct {
	layout *storage.Layout
	calls  int
	fn     func(ctx context.Context, req backend.Request) (string, error)
}

func (b *fakeBackend) Execute(ctx context.Context, req backend.Request) (string, error) {
	b.calls++
	if b.fn != nil {
		return b.fn(ctx, req)
	}
	return b.write(req)
}

func (b *fakeBackend) write(req backend.Request) (string, error) {
	p, err := backend.OutputPath(b.layout, req.Operation, req.JobID)
	if err != nil {
		return "", err
	}
	if err := storage.WriteFile(p, []byte("artifact")); err != nil {
		return "", err
	}
	return p, nil
}

func newTestLayout(t *testing.T) *storage.Layout {
	t.Helper()
	l, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return l
}

type fakeBackends struct {
	b *fakeBackend
}

func (f fakeBackends) Backend(op backend.Operation) (backend.Backend, error) {
	if !op.Valid() {
		return nil, backend.ErrUnknownOperation
	}
	return f.b, nil
}

type harness struct {
	layout  *storage.Layout
	db      *gorm.DB
	repo    *Repo
	svc     *Service
	reviews *ReviewQueue
	queue   *recordingQueue
	backend *fakeBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	q := &recordingQueue{}
	layout := newTestLayout(t)
	fb := &fakeBackend{layout: layout}
	return &harness{
		layout:  layout,
		db:      db,
		repo:    repo,
		svc:     NewService(repo, fakeBackends{fb}, layout, moderation.NewClassifier(moderation.DefaultCorpus()), q, 0, zerolog.Nop()),
		reviews: NewReviewQueue(repo, zerolog.Nop()),
		queue:   q,
		backend: fb,
	}
}

func (h *harness) submit(t *testing.T, req SubmitRequest) *Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (h *harness) reload(t *testing.T, id string) *Job {
	t.Helper()
	j, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func (h *harness) countReviews(t *testing.T, jobID string) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&ModerationReview{}).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		t.Fatalf("count reviews: %v", err)
	}
	return n
}

func ptr[T any](v T) *T { return &v }

var errBoom = errors.New("boom")
