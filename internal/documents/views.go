package documents

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/blobs"
	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
	"go.uber.org/zap"
)

// SignerView is a signer as every viewer sees it. Tokens never appear here.
type SignerView struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Name     string       `json:"name"`
	Role     string       `json:"role"`
	Order    int          `json:"order"`
	Status   SignerStatus `json:"status"`
	SignedAt *time.Time   `json:"signedAt,omitempty"`
}

// CurrentSignerView is the signer the caller acts as, with their own token.
type CurrentSignerView struct {
	SignerView
	Token          string                   `json:"token,omitempty"`
	TokenExpiresAt time.Time                `json:"tokenExpiresAt"`
	CanSign        bool                     `json:"canSign"`
	Annotations    []annotations.Annotation `json:"annotations"`
}

// AuditView is one audit trail entry.
type AuditView struct {
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"timestamp"`
}

// DocumentView is the document metadata returned to a viewer.
type DocumentView struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	FileName       string               `json:"fileName"`
	FileSize       int64                `json:"fileSize"`
	Status         Status               `json:"status"`
	CreatedBy      string               `json:"createdBy"`
	CreatedByEmail string               `json:"createdByEmail"`
	CreatedAt      time.Time            `json:"createdAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	PageCount      int                  `json:"pageCount"`
	PageSizes      []placement.PageSize `json:"pageSizes"`
	Signers        []SignerView         `json:"signers"`
	IsCreator      bool                 `json:"isCreator"`
	CurrentSigner  *CurrentSignerView   `json:"currentSigner"`
	HasSignedFile  bool                 `json:"hasSignedFile"`
	HasSeal        bool                 `json:"hasSeal"`
	AuditTrail     []AuditView          `json:"auditTrail,omitempty"`
}

func signerView(signer Signer) SignerView {
	return SignerView{
		ID:       signer.ID,
		Email:    signer.Email,
		Name:     signer.Name,
		Role:     signer.Role,
		Order:    signer.Order,
		Status:   signer.Status,
		SignedAt: signer.SignedAt,
	}
}

// GetDocumentMetadata returns what the caller may see of a document. Other
// signers' tokens are never included; the audit trail is creator-only.
func (s *Service) GetDocumentMetadata(ctx context.Context, documentID string, caller Caller) (DocumentView, error) {
	doc, err := s.load(ctx, opGetDocument, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if !s.gate.CanView(doc, caller) {
		return DocumentView{}, newServiceError(opGetDocument, "access_denied", ErrAccessDenied, errNoAccess)
	}

	view := DocumentView{
		ID:             doc.ID,
		Title:          doc.Title,
		Description:    doc.Description,
		FileName:       doc.FileName,
		FileSize:       doc.FileSize,
		Status:         doc.Status,
		CreatedBy:      doc.CreatorName,
		CreatedByEmail: doc.CreatorEmail,
		CreatedAt:      doc.CreatedAt,
		CompletedAt:    doc.CompletedAt,
		PageCount:      doc.PageCount,
		PageSizes:      doc.PageSizes(),
		IsCreator:      s.gate.IsCreator(doc, caller),
		HasSignedFile:  doc.Status == StatusCompleted && doc.SignedBlobKey != "",
		HasSeal:        doc.SealBlobKey != "",
	}
	for _, signer := range doc.Signers {
		view.Signers = append(view.Signers, signerView(signer))
	}

	if current, ok := s.gate.CurrentSigner(doc, caller); ok {
		marks, err := current.Annotations()
		if err != nil {
			marks = nil
		}
		if marks == nil {
			marks = []annotations.Annotation{}
		}
		view.CurrentSigner = &CurrentSignerView{
			SignerView:     signerView(current),
			Token:          current.Token,
			TokenExpiresAt: current.TokenExpiresAt,
			CanSign:        current.Status == SignerPending && s.gate.CanSign(doc, current.ID, caller),
			Annotations:    marks,
		}
	}

	if view.IsCreator {
		for _, event := range doc.AuditEvents {
			view.AuditTrail = append(view.AuditTrail, AuditView{
				Action:     event.Action,
				Actor:      event.Actor,
				Details:    event.Details(),
				OccurredAt: event.OccurredAt,
			})
		}
	}
	return view, nil
}

// RenderedFile is a PDF ready for download.
type RenderedFile struct {
	FileName string
	Content  []byte
	Status   Status
	// Signed is set when Content carries signatures.
	Signed bool
}

// GetRenderedPDF returns the original while nobody has signed, the latest
// cumulative render while partial, and the signed file once completed. A
// missing or outdated render is produced on demand.
func (s *Service) GetRenderedPDF(ctx context.Context, documentID string, caller Caller) (RenderedFile, error) {
	doc, err := s.load(ctx, opGetRenderedPDF, documentID)
	if err != nil {
		return RenderedFile{}, err
	}
	if !s.gate.CanView(doc, caller) {
		return RenderedFile{}, newServiceError(opGetRenderedPDF, "access_denied", ErrAccessDenied, errNoAccess)
	}

	key := doc.OriginalBlobKey
	signed := false
	switch doc.Status {
	case StatusCompleted:
		key, signed = doc.SignedBlobKey, true
	case StatusPartial:
		key, signed = doc.ProgressBlobKey, true
	}
	if signed && (key == "" || doc.RenderedSigners < doc.CompletedSigners()) {
		s.logger.Info("rendering on demand",
			zap.String("document_id", doc.ID),
			zap.String("status", string(doc.Status)))
		if _, err := s.renderAndStore(ctx, opGetRenderedPDF, doc); err != nil {
			return RenderedFile{}, err
		}
		if doc, err = s.load(ctx, opGetRenderedPDF, documentID); err != nil {
			return RenderedFile{}, err
		}
		key = doc.ProgressBlobKey
		if doc.Status == StatusCompleted {
			key = doc.SignedBlobKey
		}
		if key == "" {
			return RenderedFile{}, newServiceError(opGetRenderedPDF, "signed_file_missing", ErrRenderFailure, errSignedFileNotReady)
		}
	}

	content, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blobs.ErrNotFound) {
		s.logError(opGetRenderedPDF, "blob_missing", err, zap.String("document_id", doc.ID), zap.String("key", key))
		return RenderedFile{}, newServiceError(opGetRenderedPDF, "blob_missing", ErrNotFound, err)
	}
	if err != nil {
		s.logError(opGetRenderedPDF, "blob_read_failed", err, zap.String("document_id", doc.ID))
		return RenderedFile{}, newServiceError(opGetRenderedPDF, "blob_read_failed", ErrInternal, err)
	}

	fileName := doc.FileName
	if signed {
		fileName = "signed_" + fileName
	}
	return RenderedFile{FileName: fileName, Content: content, Status: doc.Status, Signed: signed}, nil
}

// GetSeal returns the detached PKCS#7 signature over the signed file.
func (s *Service) GetSeal(ctx context.Context, documentID string, caller Caller) (RenderedFile, error) {
	doc, err := s.load(ctx, opGetSeal, documentID)
	if err != nil {
		return RenderedFile{}, err
	}
	if !s.gate.CanView(doc, caller) {
		return RenderedFile{}, newServiceError(opGetSeal, "access_denied", ErrAccessDenied, errNoAccess)
	}
	if doc.SealBlobKey == "" {
		return RenderedFile{}, newServiceError(opGetSeal, "seal_not_found", ErrNotFound, errSealNotAvailable)
	}
	content, err := s.blobs.Get(ctx, doc.SealBlobKey)
	if errors.Is(err, blobs.ErrNotFound) {
		return RenderedFile{}, newServiceError(opGetSeal, "seal_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(opGetSeal, "blob_read_failed", err, zap.String("document_id", doc.ID))
		return RenderedFile{}, newServiceError(opGetSeal, "blob_read_failed", ErrInternal, err)
	}
	return RenderedFile{FileName: doc.FileName + ".p7s", Content: content, Status: doc.Status, Signed: true}, nil
}
