package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/auth"
	"github.com/MarcoPoloResearchLab/countersign/internal/blobs"
	"github.com/MarcoPoloResearchLab/countersign/internal/notify"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdfrender"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdftest"
	githubsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

var creator = auth.Identity{UserID: "user-creator", Email: "creator@example.com", DisplayName: "Casey Creator"}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu          sync.Mutex
	fail        bool
	invitations []notify.Invitation
	completions []notify.Completion
}

func (n *recordingNotifier) SendInvitation(_ context.Context, invitation notify.Invitation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp unavailable")
	}
	n.invitations = append(n.invitations, invitation)
	return nil
}

func (n *recordingNotifier) SendCompletion(_ context.Context, completion notify.Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp unavailable")
	}
	n.completions = append(n.completions, completion)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

// stubRenderer appends a marker naming the rendered signers. It can be
// switched into failure mode.
type stubRenderer struct {
	mu    sync.Mutex
	fail  bool
	calls [][]pdfrender.Signer
}

func (r *stubRenderer) Render(_ context.Context, original []byte, signers []pdfrender.Signer) ([]byte, pdfrender.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, pdfrender.Report{}, fmt.Errorf("%w: disk full", pdfrender.ErrRenderFailure)
	}
	r.calls = append(r.calls, signers)
	ids := make([]string, 0, len(signers))
	report := pdfrender.Report{}
	for _, signer := range signers {
		ids = append(ids, signer.ID)
		for range signer.Annotations {
			report.Outcomes = append(report.Outcomes, pdfrender.Outcome{SignerID: signer.ID, Status: pdfrender.OutcomeDrawn})
		}
	}
	output := append(append([]byte(nil), original...), []byte("\n%stamped "+strings.Join(ids, ","))...)
	return output, report, nil
}

func (r *stubRenderer) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

type stubSealer struct{}

func (stubSealer) Seal(_ context.Context, content []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("seal over %d bytes", len(content))), nil
}

type harness struct {
	service  *Service
	db       *gorm.DB
	blobs    blobs.Store
	tokens   *auth.CapabilityIssuer
	clock    *testClock
	renderer *stubRenderer
	notifier *recordingNotifier
	events   *recordingEvents
	logs     *observer.ObservedLogs
}

type harnessOption func(*ServiceConfig)

func withRenderer(renderer Renderer) harnessOption {
	return func(cfg *ServiceConfig) { cfg.Renderer = renderer }
}

func withSealer(sealer Sealer) harnessOption {
	return func(cfg *ServiceConfig) { cfg.Sealer = sealer }
}

func withMaxUpload(limit int64) harnessOption {
	return func(cfg *ServiceConfig) { cfg.MaxUploadBytes = limit }
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&Document{}, &Signer{}, &AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	db := openTestDatabase(t)
	store, err := blobs.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	clock := &testClock{now: baseTime}
	tokens, err := auth.NewCapabilityIssuer(auth.CapabilityIssuerConfig{
		SigningSecret: []byte("capability-secret"),
		Issuer:        "countersign",
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("capability issuer: %v", err)
	}
	core, logs := observer.New(zapcore.InfoLevel)
	h := &harness{
		db:       db,
		blobs:    store,
		tokens:   tokens,
		clock:    clock,
		renderer: &stubRenderer{},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
		logs:     logs,
	}
	cfg := ServiceConfig{
		Database:   db,
		Blobs:      store,
		Renderer:   h.renderer,
		Tokens:     tokens,
		Notifier:   h.notifier,
		Events:     h.events,
		IDProvider: &sequentialIDs{},
		Clock:      clock.Now,
		Logger:     zap.New(core),
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.service = service
	return h
}

func (h *harness) create(t *testing.T, emails ...string) CreateResult {
	t.Helper()
	return h.createWithPDF(t, pdftest.Document(pdftest.Letter, pdftest.Letter), emails...)
}

func (h *harness) createWithPDF(t *testing.T, content []byte, emails ...string) CreateResult {
	t.Helper()
	inputs := make([]SignerInput, 0, len(emails))
	for _, email := range emails {
		inputs = append(inputs, SignerInput{Email: email, Name: strings.Split(email, "@")[0]})
	}
	result, err := h.service.CreateDocument(context.Background(), CreateRequest{
		Creator:     creator,
		Title:       "Master Services Agreement",
		FileName:    "msa.pdf",
		ContentType: "application/pdf",
		Content:     content,
		Signers:     inputs,
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return result
}

func (h *harness) document(t *testing.T, documentID string) Document {
	t.Helper()
	doc, err := h.service.store.Get(context.Background(), documentID)
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	return doc
}

// assertInvariants checks the status aggregation and signed-file rules.
func (h *harness) assertInvariants(t *testing.T, documentID string) Document {
	t.Helper()
	doc := h.document(t, documentID)
	if want := AggregateStatus(signerStatuses(doc.Signers)); doc.Status != want {
		t.Fatalf("document status %s disagrees with signers (%s)", doc.Status, want)
	}
	if doc.SignedBlobKey != "" && doc.Status != StatusCompleted {
		t.Fatalf("signed file recorded while %s", doc.Status)
	}
	if (doc.CompletedAt != nil) != (doc.Status == StatusCompleted) {
		t.Fatalf("completedAt %v inconsistent with status %s", doc.CompletedAt, doc.Status)
	}
	return doc
}

func tokenCaller(token string) Caller {
	return Caller{Token: token, ClientIP: "203.0.113.7", UserAgent: "test-agent"}
}

func identityCaller(email string) Caller {
	return Caller{Identity: &auth.Identity{Email: email}, ClientIP: "203.0.113.8"}
}

func auditActions(doc Document) []string {
	actions := make([]string, 0, len(doc.AuditEvents))
	for _, event := range doc.AuditEvents {
		actions = append(actions, event.Action)
	}
	return actions
}
