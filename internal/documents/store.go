package documents

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errStoreNotFound        = errors.New("documents store: record not found")
	errTransitionNotPending = errors.New("documents store: signer is not pending")
)

// Store persists documents, their signers and their audit trail.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func orderedSigners(db *gorm.DB) *gorm.DB {
	return db.Order("signing_order ASC")
}

func orderedEvents(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

// Create inserts the document with its signers and the creation audit event.
func (s *Store) Create(ctx context.Context, doc *Document, event AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		event.DocumentID = doc.ID
		return tx.Create(&event).Error
	})
}

// Get loads a document with signers in order and its audit trail.
func (s *Store) Get(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Preload("Signers", orderedSigners).
		Preload("AuditEvents", orderedEvents).
		Where("document_id = ?", documentID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, errStoreNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ListForViewer returns documents created by or addressed to email, newest first.
func (s *Store) ListForViewer(ctx context.Context, email string, status Status, limit int) ([]Document, error) {
	db := s.db.WithContext(ctx)
	addressed := db.Model(&Signer{}).Select("document_id").Where("email = ?", email)
	query := db.Preload("Signers", orderedSigners).
		Where("creator_email = ? OR document_id IN (?)", email, addressed)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var docs []Document
	if err := query.Order("created_at DESC").Order("document_id DESC").Limit(limit).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

type signerCompletion struct {
	DocumentID      string
	SignerID        string
	SignedAt        time.Time
	AnnotationsJSON string
	SignatureType   string
	SignatureData   string
	ClientIP        string
	UserAgent       string
	Actor           string
	Details         map[string]any
}

// CompleteSigner performs the pending→completed transition for one signer
// and recomputes the document status in the same transaction. The document
// row is locked first so concurrent signers of one document serialize.
func (s *Store) CompleteSigner(ctx context.Context, completion signerCompletion) (Status, error) {
	var status Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", completion.DocumentID).
			Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errStoreNotFound
		}
		if err != nil {
			return err
		}

		signedAt := completion.SignedAt.UTC()
		result := tx.Model(&Signer{}).
			Where("document_id = ? AND signer_id = ? AND status = ?", completion.DocumentID, completion.SignerID, SignerPending).
			Updates(map[string]any{
				"status":         SignerCompleted,
				"signed_at":      signedAt,
				"annotations":    completion.AnnotationsJSON,
				"signature_type": completion.SignatureType,
				"signature_data": completion.SignatureData,
				"client_ip":      completion.ClientIP,
				"user_agent":     completion.UserAgent,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errTransitionNotPending
		}

		var raw []string
		if err := tx.Model(&Signer{}).Where("document_id = ?", completion.DocumentID).Pluck("status", &raw).Error; err != nil {
			return err
		}
		statuses := make([]SignerStatus, 0, len(raw))
		for _, value := range raw {
			statuses = append(statuses, SignerStatus(value))
		}
		status = AggregateStatus(statuses)

		updates := map[string]any{"status": status, "updated_at": signedAt}
		if status == StatusCompleted {
			updates["completed_at"] = signedAt
		}
		if err := tx.Model(&Document{}).Where("document_id = ?", completion.DocumentID).Updates(updates).Error; err != nil {
			return err
		}

		events := []AuditEvent{newAuditEvent(completion.DocumentID, ActionDocumentSigned, completion.Actor, completion.Details, signedAt)}
		if status == StatusCompleted {
			events = append(events, newAuditEvent(completion.DocumentID, ActionDocumentCompleted, completion.Actor, nil, signedAt))
		}
		return tx.Create(&events).Error
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

type renderRecord struct {
	Signers         int
	ProgressBlobKey string
	SignedBlobKey   string
	SealBlobKey     string
	RenderedAt      time.Time
}

// RecordRender stores the blob keys produced by a render. A signed key is
// only accepted while the document is completed, and a render never
// replaces one that already includes more signers.
func (s *Store) RecordRender(ctx context.Context, documentID string, record renderRecord, events []AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", documentID).
			Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errStoreNotFound
		}
		if err != nil {
			return err
		}

		if record.Signers < doc.RenderedSigners {
			return nil
		}
		renderedAt := record.RenderedAt.UTC()
		updates := map[string]any{
			"rendered_at":      renderedAt,
			"updated_at":       renderedAt,
			"rendered_signers": record.Signers,
		}
		if record.ProgressBlobKey != "" {
			updates["progress_blob_key"] = record.ProgressBlobKey
		}
		if record.SignedBlobKey != "" && doc.Status == StatusCompleted {
			updates["signed_blob_key"] = record.SignedBlobKey
		}
		if record.SealBlobKey != "" && doc.Status == StatusCompleted {
			updates["seal_blob_key"] = record.SealBlobKey
		}
		if err := tx.Model(&Document{}).Where("document_id = ?", documentID).Updates(updates).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			events[i].DocumentID = documentID
		}
		return tx.Create(&events).Error
	})
}

// AppendAudit adds one event to a document audit trail.
func (s *Store) AppendAudit(ctx context.Context, event AuditEvent) error {
	return s.db.WithContext(ctx).Create(&event).Error
}
