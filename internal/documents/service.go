package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/auth"
	"github.com/MarcoPoloResearchLab/countersign/internal/blobs"
	"github.com/MarcoPoloResearchLab/countersign/internal/notify"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdfrender"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultSignerRole labels signers created without a role.
	DefaultSignerRole = "Signer"
	// DefaultUploadMaxBytes bounds uploads when no limit is configured.
	DefaultUploadMaxBytes = 10 << 20
	// MaxSigners bounds the signer list of one document.
	MaxSigners = 50

	DefaultListLimit = 20
	MaxListLimit     = 100

	pdfContentType = "application/pdf"
	pdfMagic       = "%PDF-"
)

const (
	opServiceNew      = "documents.service.new"
	opCreateDocument  = "documents.create_document"
	opGetDocument     = "documents.get_document"
	opGetRenderedPDF  = "documents.get_rendered_pdf"
	opSubmitSignature = "documents.submit_signature"
	opListDocuments   = "documents.list_documents"
	opRerender        = "documents.rerender"
	opGetSeal         = "documents.get_seal"
)

// Renderer draws completed signers' annotations onto the original PDF.
type Renderer interface {
	Render(ctx context.Context, original []byte, signers []pdfrender.Signer) ([]byte, pdfrender.Report, error)
}

// Sealer signs the final rendered PDF.
type Sealer interface {
	Seal(ctx context.Context, content []byte) ([]byte, error)
}

// Notifier delivers invitation and completion emails.
type Notifier interface {
	SendInvitation(ctx context.Context, invitation notify.Invitation) error
	SendCompletion(ctx context.Context, completion notify.Completion) error
}

// CapabilityTokens mints and verifies per-signer capability tokens.
type CapabilityTokens interface {
	TokenVerifier
	Mint(documentID, email string) (string, time.Time, error)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database       *gorm.DB
	Blobs          blobs.Store
	Renderer       Renderer
	Tokens         CapabilityTokens
	Sealer         Sealer
	Notifier       Notifier
	Events         EventPublisher
	IDProvider     IDProvider
	Clock          func() time.Time
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// Service runs the document signing workflow.
type Service struct {
	store          *Store
	blobs          blobs.Store
	renderer       Renderer
	tokens         CapabilityTokens
	gate           *Gate
	sealer         Sealer
	notifier       Notifier
	events         EventPublisher
	idProvider     IDProvider
	clock          func() time.Time
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", ErrInternal, errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opServiceNew, "missing_blobs", ErrInternal, errMissingBlobs)
	}
	if cfg.Renderer == nil {
		return nil, newServiceError(opServiceNew, "missing_renderer", ErrInternal, errMissingRenderer)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", ErrInternal, errMissingTokens)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", ErrInternal, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = discardEvents{}
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultUploadMaxBytes
	}

	return &Service{
		store:          NewStore(cfg.Database),
		blobs:          cfg.Blobs,
		renderer:       cfg.Renderer,
		tokens:         cfg.Tokens,
		gate:           NewGate(cfg.Tokens),
		sealer:         cfg.Sealer,
		notifier:       cfg.Notifier,
		events:         events,
		idProvider:     cfg.IDProvider,
		clock:          clock,
		logger:         logger,
		maxUploadBytes: maxUpload,
	}, nil
}

// SignerInput describes one requested signer.
type SignerInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// CreateRequest uploads a PDF and names its signers.
type CreateRequest struct {
	Creator     auth.Identity
	Title       string
	Description string
	FileName    string
	ContentType string
	Content     []byte
	Signers     []SignerInput
}

// CreatedSigner is returned to the creator, who distributes the signing links.
type CreatedSigner struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Order          int       `json:"order"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// CreateResult is the outcome of CreateDocument.
type CreateResult struct {
	DocumentID string          `json:"documentId"`
	Status     Status          `json:"status"`
	PageCount  int             `json:"pageCount"`
	Signers    []CreatedSigner `json:"signers"`
}

// CreateDocument stores the original PDF, mints a capability token per
// signer and sends invitations once the document is committed.
func (s *Service) CreateDocument(ctx context.Context, req CreateRequest) (CreateResult, error) {
	creatorEmail := auth.NormalizeEmail(req.Creator.Email)
	if creatorEmail == "" {
		return CreateResult{}, newServiceError(opCreateDocument, "missing_identity", ErrAccessDenied, errMissingIdentity)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return CreateResult{}, newServiceError(opCreateDocument, "missing_title", ErrValidation, errMissingTitle)
	}
	if err := s.validateUpload(req); err != nil {
		return CreateResult{}, err
	}
	pages, err := pdfrender.Inspect(req.Content)
	if err != nil {
		return CreateResult{}, newServiceError(opCreateDocument, "unreadable_pdf", ErrValidation, err)
	}
	signerInputs, err := normalizeSigners(req.Signers)
	if err != nil {
		return CreateResult{}, err
	}

	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err)
		return CreateResult{}, newServiceError(opCreateDocument, "id_generation_failed", ErrInternal, err)
	}
	now := s.clock().UTC()

	signers := make([]Signer, 0, len(signerInputs))
	for index, input := range signerInputs {
		signerID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateDocument, "id_generation_failed", err)
			return CreateResult{}, newServiceError(opCreateDocument, "id_generation_failed", ErrInternal, err)
		}
		token, expiresAt, err := s.tokens.Mint(documentID, input.Email)
		if err != nil {
			s.logError(opCreateDocument, "token_mint_failed", err, zap.String("document_id", documentID))
			return CreateResult{}, newServiceError(opCreateDocument, "token_mint_failed", ErrInternal, err)
		}
		signers = append(signers, Signer{
			ID:             signerID,
			DocumentID:     documentID,
			Email:          input.Email,
			Name:           input.Name,
			Role:           input.Role,
			Order:          index + 1,
			Status:         SignerPending,
			Token:          token,
			TokenExpiresAt: expiresAt.UTC(),
		})
	}

	pageSizes, err := json.Marshal(pages)
	if err != nil {
		return CreateResult{}, newServiceError(opCreateDocument, "page_sizes_encode_failed", ErrInternal, err)
	}

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = "document.pdf"
	}
	originalKey := blobs.Key("documents", documentID, "original.pdf")
	if err := s.blobs.Put(ctx, originalKey, req.Content); err != nil {
		s.logError(opCreateDocument, "blob_write_failed", err, zap.String("document_id", documentID))
		return CreateResult{}, newServiceError(opCreateDocument, "blob_write_failed", ErrInternal, err)
	}

	doc := Document{
		ID:              documentID,
		Title:           title,
		Description:     strings.TrimSpace(req.Description),
		FileName:        fileName,
		FileSize:        int64(len(req.Content)),
		CreatorID:       req.Creator.UserID,
		CreatorEmail:    creatorEmail,
		CreatorName:     strings.TrimSpace(req.Creator.DisplayName),
		Status:          StatusPending,
		PageCount:       len(pages),
		PageSizesJSON:   string(pageSizes),
		OriginalBlobKey: originalKey,
		CreatedAt:       now,
		UpdatedAt:       now,
		Signers:         signers,
	}
	event := newAuditEvent(documentID, ActionDocumentCreated, creatorEmail, map[string]any{
		"title":        title,
		"fileName":     fileName,
		"pageCount":    len(pages),
		"signersCount": len(signers),
	}, now)
	if err := s.store.Create(ctx, &doc, event); err != nil {
		s.logError(opCreateDocument, "document_insert_failed", err, zap.String("document_id", documentID))
		if cleanupErr := s.blobs.Delete(ctx, originalKey); cleanupErr != nil {
			s.logger.Warn("orphaned original blob", zap.String("key", originalKey), zap.Error(cleanupErr))
		}
		return CreateResult{}, newServiceError(opCreateDocument, "document_insert_failed", ErrInternal, err)
	}

	s.logger.Info("document created",
		zap.String("document_id", documentID),
		zap.String("creator", creatorEmail),
		zap.Int("signers", len(signers)),
		zap.Int("pages", len(pages)))

	s.sendInvitations(ctx, doc)

	result := CreateResult{DocumentID: documentID, Status: StatusPending, PageCount: len(pages)}
	for _, signer := range signers {
		result.Signers = append(result.Signers, CreatedSigner{
			ID:             signer.ID,
			Email:          signer.Email,
			Name:           signer.Name,
			Role:           signer.Role,
			Order:          signer.Order,
			Token:          signer.Token,
			TokenExpiresAt: signer.TokenExpiresAt,
		})
	}
	return result, nil
}

func (s *Service) validateUpload(req CreateRequest) error {
	if len(req.Content) == 0 {
		return newServiceError(opCreateDocument, "missing_file", ErrValidation, errMissingFile)
	}
	if int64(len(req.Content)) > s.maxUploadBytes {
		return newServiceError(opCreateDocument, "file_too_large", ErrValidation, errFileTooLarge)
	}
	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	if contentType != "" && !strings.HasPrefix(contentType, pdfContentType) {
		return newServiceError(opCreateDocument, "not_pdf", ErrValidation, errNotPDF)
	}
	if !bytes.HasPrefix(req.Content, []byte(pdfMagic)) {
		return newServiceError(opCreateDocument, "not_pdf", ErrValidation, errNotPDF)
	}
	return nil
}

func normalizeSigners(inputs []SignerInput) ([]SignerInput, error) {
	if len(inputs) == 0 {
		return nil, newServiceError(opCreateDocument, "missing_signers", ErrValidation, errMissingSigners)
	}
	if len(inputs) > MaxSigners {
		return nil, newServiceError(opCreateDocument, "too_many_signers", ErrValidation, errTooManySigners)
	}
	seen := make(map[string]struct{}, len(inputs))
	normalized := make([]SignerInput, 0, len(inputs))
	for _, input := range inputs {
		email := auth.NormalizeEmail(input.Email)
		address, err := mail.ParseAddress(email)
		if email == "" || err != nil || address.Address != email {
			return nil, newServiceError(opCreateDocument, "invalid_signer_email", ErrValidation, errInvalidEmail)
		}
		if _, duplicate := seen[email]; duplicate {
			return nil, newServiceError(opCreateDocument, "duplicate_signer", ErrValidation, errDuplicateSigner)
		}
		seen[email] = struct{}{}
		name := strings.TrimSpace(input.Name)
		if name == "" {
			name = email
		}
		role := strings.TrimSpace(input.Role)
		if role == "" {
			role = DefaultSignerRole
		}
		normalized = append(normalized, SignerInput{Email: email, Name: name, Role: role})
	}
	return normalized, nil
}

// DocumentSummary is one row of a document listing.
type DocumentSummary struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Status         Status       `json:"status"`
	CreatedBy      string       `json:"createdBy"`
	CreatedByEmail string       `json:"createdByEmail"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	IsCreator      bool         `json:"isCreator"`
	SignerCount    int          `json:"signerCount"`
	CompletedCount int          `json:"completedCount"`
	MySignerStatus SignerStatus `json:"mySignerStatus,omitempty"`
}

// ListDocuments returns documents the caller created or must sign, newest
// first. A non-positive limit selects the default; larger limits are capped.
func (s *Service) ListDocuments(ctx context.Context, identity *auth.Identity, status string, limit int) ([]DocumentSummary, error) {
	if identity == nil || identity.Email == "" {
		return nil, newServiceError(opListDocuments, "missing_identity", ErrAccessDenied, errMissingIdentity)
	}
	filter, ok := ParseStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return nil, newServiceError(opListDocuments, "invalid_status", ErrValidation, errInvalidStatus)
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	docs, err := s.store.ListForViewer(ctx, identity.Email, filter, limit)
	if err != nil {
		s.logError(opListDocuments, "query_failed", err, zap.String("email", identity.Email))
		return nil, newServiceError(opListDocuments, "query_failed", ErrInternal, err)
	}

	summaries := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		summary := DocumentSummary{
			ID:             doc.ID,
			Title:          doc.Title,
			Status:         doc.Status,
			CreatedBy:      doc.CreatorName,
			CreatedByEmail: doc.CreatorEmail,
			CreatedAt:      doc.CreatedAt,
			CompletedAt:    doc.CompletedAt,
			IsCreator:      doc.CreatorEmail == identity.Email,
			SignerCount:    len(doc.Signers),
		}
		for _, signer := range doc.Signers {
			if signer.Status == SignerCompleted {
				summary.CompletedCount++
			}
			if signer.Email == identity.Email {
				summary.MySignerStatus = signer.Status
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) load(ctx context.Context, operation, documentID string) (Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return Document{}, newServiceError(operation, "missing_document_id", ErrValidation, errMissingDocumentID)
	}
	doc, err := s.store.Get(ctx, documentID)
	if errors.Is(err, errStoreNotFound) {
		return Document{}, newServiceError(operation, "document_not_found", ErrNotFound, errUnknownDocument)
	}
	if err != nil {
		s.logError(operation, "document_select_failed", err, zap.String("document_id", documentID))
		return Document{}, newServiceError(operation, "document_select_failed", ErrInternal, err)
	}
	return doc, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
