package documents

import (
	"context"

	"github.com/MarcoPoloResearchLab/countersign/internal/notify"
	"go.uber.org/zap"
)

// Email failures are logged and never fail the operation that triggered them.

func (s *Service) sendInvitations(ctx context.Context, doc Document) {
	if s.notifier == nil {
		return
	}
	sender := doc.CreatorName
	if sender == "" {
		sender = doc.CreatorEmail
	}
	sent := 0
	for _, signer := range doc.Signers {
		err := s.notifier.SendInvitation(ctx, notify.Invitation{
			DocumentID:    doc.ID,
			DocumentTitle: doc.Title,
			Description:   doc.Description,
			SenderName:    sender,
			SenderEmail:   doc.CreatorEmail,
			SignerName:    signer.Name,
			SignerEmail:   signer.Email,
			Token:         signer.Token,
			ExpiresAt:     signer.TokenExpiresAt,
		})
		if err != nil {
			s.logger.Warn("signing invitation not sent",
				zap.String("document_id", doc.ID),
				zap.String("signer_id", signer.ID),
				zap.Error(err))
			continue
		}
		sent++
	}
	s.logger.Info("signing invitations sent", zap.String("document_id", doc.ID), zap.Int("sent", sent))
}

func (s *Service) sendCompletion(ctx context.Context, doc Document) {
	if s.notifier == nil {
		return
	}
	completed := make([]notify.CompletedSigner, 0, len(doc.Signers))
	for _, signer := range doc.Signers {
		entry := notify.CompletedSigner{Name: signer.Name, Email: signer.Email}
		if signer.SignedAt != nil {
			entry.SignedAt = *signer.SignedAt
		}
		completed = append(completed, entry)
	}

	recipients := []notify.Completion{{
		DocumentID:     doc.ID,
		DocumentTitle:  doc.Title,
		RecipientName:  doc.CreatorName,
		RecipientEmail: doc.CreatorEmail,
		Signers:        completed,
	}}
	for _, signer := range doc.Signers {
		if signer.Email == doc.CreatorEmail {
			continue
		}
		recipients = append(recipients, notify.Completion{
			DocumentID:     doc.ID,
			DocumentTitle:  doc.Title,
			RecipientName:  signer.Name,
			RecipientEmail: signer.Email,
			Token:          signer.Token,
			Signers:        completed,
		})
	}
	for _, completion := range recipients {
		if err := s.notifier.SendCompletion(ctx, completion); err != nil {
			s.logger.Warn("completion notice not sent",
				zap.String("document_id", doc.ID),
				zap.String("recipient", completion.RecipientEmail),
				zap.Error(err))
		}
	}
}
