package documents

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/blobs"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdfrender"
	"go.uber.org/zap"
)

// Signature payload types for the flat signature field.
const (
	SignatureTypeImage = "image"
	SignatureTypeText  = "text"
)

// SubmitRequest records one signer's signature.
type SubmitRequest struct {
	DocumentID    string
	SignerID      string
	Caller        Caller
	SignatureType string
	SignatureData string
	Annotations   []annotations.Annotation
}

// RenderSummary describes the last render of a document.
type RenderSummary struct {
	Drawn        int `json:"drawn"`
	Fallbacks    int `json:"fallbacks"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Approximated int `json:"approximated"`
}

func summarize(report pdfrender.Report) RenderSummary {
	summary := RenderSummary{Approximated: report.Approximated}
	for _, outcome := range report.Outcomes {
		switch outcome.Status {
		case pdfrender.OutcomeDrawn:
			summary.Drawn++
		case pdfrender.OutcomeFallback:
			summary.Fallbacks++
		case pdfrender.OutcomeSkipped:
			summary.Skipped++
		case pdfrender.OutcomeFailed:
			summary.Failed++
		}
	}
	return summary
}

// SubmitResult is returned even when rendering failed after the signature
// was committed.
type SubmitResult struct {
	DocumentID   string         `json:"documentId"`
	SignerID     string         `json:"signerId"`
	Status       Status         `json:"status"`
	AllCompleted bool           `json:"allCompleted"`
	Render       *RenderSummary `json:"render,omitempty"`
}

// SubmitSignature moves one signer from pending to completed exactly once,
// then renders every completed signer onto the document. A render failure
// does not undo the signature.
func (s *Service) SubmitSignature(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	signatureType, err := validateSubmission(req)
	if err != nil {
		return SubmitResult{}, err
	}

	doc, err := s.load(ctx, opSubmitSignature, req.DocumentID)
	if err != nil {
		return SubmitResult{}, err
	}
	signer, ok := doc.Signer(req.SignerID)
	if !ok {
		return SubmitResult{}, newServiceError(opSubmitSignature, "signer_not_found", ErrNotFound, errUnknownSigner)
	}
	if !s.gate.CanSign(doc, signer.ID, req.Caller) {
		s.logger.Warn("signature rejected",
			zap.String("document_id", doc.ID),
			zap.String("signer_id", signer.ID),
			zap.String("client_ip", req.Caller.ClientIP))
		return SubmitResult{}, newServiceError(opSubmitSignature, "access_denied", ErrAccessDenied, errNotSigner)
	}
	if signer.Status == SignerCompleted {
		return SubmitResult{}, newServiceError(opSubmitSignature, "already_signed", ErrAlreadySigned, errSignerCompleted)
	}

	encoded, err := annotations.EncodeList(req.Annotations)
	if err != nil {
		return SubmitResult{}, newServiceError(opSubmitSignature, "annotations_encode_failed", ErrValidation, err)
	}
	status, err := s.store.CompleteSigner(ctx, signerCompletion{
		DocumentID:      doc.ID,
		SignerID:        signer.ID,
		SignedAt:        s.clock(),
		AnnotationsJSON: encoded,
		SignatureType:   signatureType,
		SignatureData:   req.SignatureData,
		ClientIP:        req.Caller.ClientIP,
		UserAgent:       req.Caller.UserAgent,
		Actor:           signer.Email,
		Details: map[string]any{
			"signerId":    signer.ID,
			"signerEmail": signer.Email,
			"annotations": len(req.Annotations),
			"ipAddress":   req.Caller.ClientIP,
		},
	})
	switch {
	case errors.Is(err, errTransitionNotPending):
		return SubmitResult{}, newServiceError(opSubmitSignature, "already_signed", ErrAlreadySigned, errSignerCompleted)
	case errors.Is(err, errStoreNotFound):
		return SubmitResult{}, newServiceError(opSubmitSignature, "document_not_found", ErrNotFound, errUnknownDocument)
	case err != nil:
		s.logError(opSubmitSignature, "transition_failed", err,
			zap.String("document_id", doc.ID),
			zap.String("signer_id", signer.ID))
		return SubmitResult{}, newServiceError(opSubmitSignature, "transition_failed", ErrInternal, err)
	}

	s.logger.Info("signer completed",
		zap.String("document_id", doc.ID),
		zap.String("signer_id", signer.ID),
		zap.String("status", string(status)))

	result := SubmitResult{
		DocumentID:   doc.ID,
		SignerID:     signer.ID,
		Status:       status,
		AllCompleted: status == StatusCompleted,
	}

	committed, err := s.load(ctx, opSubmitSignature, doc.ID)
	if err != nil {
		return result, err
	}
	summary, renderErr := s.renderAndStore(ctx, opSubmitSignature, committed)
	if renderErr == nil {
		result.Render = &summary
	}

	if result.AllCompleted {
		s.sendCompletion(ctx, committed)
	}

	now := s.clock().UTC()
	s.events.Publish(Event{DocumentID: doc.ID, Type: EventSignerCompleted, Status: status, SignerID: signer.ID, OccurredAt: now})
	if result.AllCompleted {
		s.events.Publish(Event{DocumentID: doc.ID, Type: EventDocumentCompleted, Status: status, OccurredAt: now})
	}

	return result, renderErr
}

func validateSubmission(req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return "", newServiceError(opSubmitSignature, "missing_document_id", ErrValidation, errMissingDocumentID)
	}
	if strings.TrimSpace(req.SignerID) == "" {
		return "", newServiceError(opSubmitSignature, "missing_signer_id", ErrValidation, errMissingSignerID)
	}
	if err := annotations.ValidateAll(req.Annotations); err != nil {
		return "", newServiceError(opSubmitSignature, "invalid_annotations", ErrValidation, err)
	}
	data := strings.TrimSpace(req.SignatureData)
	if data == "" && len(req.Annotations) == 0 {
		return "", newServiceError(opSubmitSignature, "missing_signature", ErrValidation, errMissingSignature)
	}
	signatureType := strings.ToLower(strings.TrimSpace(req.SignatureType))
	switch signatureType {
	case SignatureTypeImage, SignatureTypeText:
	case "":
		if data != "" {
			signatureType = SignatureTypeText
			if strings.HasPrefix(data, "data:image/") {
				signatureType = SignatureTypeImage
			}
		}
	default:
		return "", newServiceError(opSubmitSignature, "invalid_signature_type", ErrValidation, errUnknownSignature)
	}
	return signatureType, nil
}

// Rerender retries the render of a document out of band. A nil caller is
// the operator; otherwise only the creator may trigger it.
func (s *Service) Rerender(ctx context.Context, documentID string, caller *Caller) (RenderSummary, Status, error) {
	doc, err := s.load(ctx, opRerender, documentID)
	if err != nil {
		return RenderSummary{}, "", err
	}
	if caller != nil && !s.gate.IsCreator(doc, *caller) {
		return RenderSummary{}, "", newServiceError(opRerender, "access_denied", ErrAccessDenied, errNotCreator)
	}
	if doc.Status == StatusPending {
		return RenderSummary{}, doc.Status, nil
	}
	summary, err := s.renderAndStore(ctx, opRerender, doc)
	if err != nil {
		return RenderSummary{}, doc.Status, err
	}
	return summary, doc.Status, nil
}

// renderAndStore renders all completed signers of doc and records the
// output as the progress file while partial, or the signed file once
// completed.
func (s *Service) renderAndStore(ctx context.Context, operation string, doc Document) (RenderSummary, error) {
	original, err := s.blobs.Get(ctx, doc.OriginalBlobKey)
	if err != nil {
		return RenderSummary{}, s.renderFailed(ctx, operation, doc, "original_read_failed", errors.Join(errOriginalMissing, err))
	}

	output, report, err := s.renderer.Render(ctx, original, s.renderSigners(doc))
	if err != nil {
		return RenderSummary{}, s.renderFailed(ctx, operation, doc, "render_failed", err)
	}
	summary := summarize(report)
	if report.Approximated > 0 {
		s.logger.Warn("annotations placed without intrinsic page size",
			zap.String("document_id", doc.ID),
			zap.Int("count", report.Approximated))
	}

	now := s.clock().UTC()
	record := renderRecord{Signers: doc.CompletedSigners(), RenderedAt: now}
	events := []AuditEvent{newAuditEvent(doc.ID, ActionRenderCompleted, "system", map[string]any{
		"drawn":     summary.Drawn,
		"fallbacks": summary.Fallbacks,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	}, now)}

	if doc.Status == StatusCompleted {
		record.SignedBlobKey = blobs.Key("documents", doc.ID, "signed.pdf")
		if err := s.blobs.Put(ctx, record.SignedBlobKey, output); err != nil {
			return RenderSummary{}, s.renderFailed(ctx, operation, doc, "blob_write_failed", err)
		}
		events = append(events, newAuditEvent(doc.ID, ActionFinalPDFGenerated, "system", map[string]any{"size": len(output)}, now))
		if sealKey, ok := s.seal(ctx, doc, output); ok {
			record.SealBlobKey = sealKey
			events = append(events, newAuditEvent(doc.ID, ActionSealCreated, "system", nil, now))
		}
	} else {
		record.ProgressBlobKey = blobs.Key("documents", doc.ID, "progress.pdf")
		if err := s.blobs.Put(ctx, record.ProgressBlobKey, output); err != nil {
			return RenderSummary{}, s.renderFailed(ctx, operation, doc, "blob_write_failed", err)
		}
	}

	if err := s.store.RecordRender(ctx, doc.ID, record, events); err != nil {
		return RenderSummary{}, s.renderFailed(ctx, operation, doc, "render_record_failed", err)
	}
	s.events.Publish(Event{DocumentID: doc.ID, Type: EventRenderCompleted, Status: doc.Status, OccurredAt: now})
	return summary, nil
}

func (s *Service) seal(ctx context.Context, doc Document, output []byte) (string, bool) {
	if s.sealer == nil {
		return "", false
	}
	sealed, err := s.sealer.Seal(ctx, output)
	if err != nil {
		s.logger.Warn("seal failed", zap.String("document_id", doc.ID), zap.Error(err))
		return "", false
	}
	key := blobs.Key("documents", doc.ID, "signed.p7s")
	if err := s.blobs.Put(ctx, key, sealed); err != nil {
		s.logger.Warn("seal write failed", zap.String("document_id", doc.ID), zap.Error(err))
		return "", false
	}
	return key, true
}

func (s *Service) renderFailed(ctx context.Context, operation string, doc Document, reason string, cause error) error {
	s.logError(operation, reason, cause, zap.String("document_id", doc.ID), zap.String("status", string(doc.Status)))
	now := s.clock().UTC()
	event := newAuditEvent(doc.ID, ActionRenderFailed, "system", map[string]any{"reason": reason}, now)
	if err := s.store.AppendAudit(ctx, event); err != nil {
		s.logger.Warn("render failure not audited", zap.String("document_id", doc.ID), zap.Error(err))
	}
	s.events.Publish(Event{DocumentID: doc.ID, Type: EventRenderFailed, Status: doc.Status, OccurredAt: now})
	return newServiceError(operation, reason, ErrRenderFailure, cause)
}

func (s *Service) renderSigners(doc Document) []pdfrender.Signer {
	signers := make([]pdfrender.Signer, 0, len(doc.Signers))
	for _, signer := range doc.Signers {
		if signer.Status != SignerCompleted {
			continue
		}
		marks, err := signer.Annotations()
		if err != nil {
			s.logger.Warn("stored annotations unreadable",
				zap.String("document_id", doc.ID),
				zap.String("signer_id", signer.ID),
				zap.Error(err))
			marks = nil
		}
		renderSigner := pdfrender.Signer{
			ID:          signer.ID,
			Name:        signer.Name,
			Email:       signer.Email,
			Annotations: marks,
		}
		if signer.SignedAt != nil {
			renderSigner.SignedAt = *signer.SignedAt
		}
		if signer.SignatureData != "" {
			renderSigner.Legacy = &pdfrender.LegacySignature{Type: signer.SignatureType, Data: signer.SignatureData}
		}
		signers = append(signers, renderSigner)
	}
	return signers
}
