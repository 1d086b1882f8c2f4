package documents

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
)

// Status is the aggregate state of a document.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
)

// ParseStatus accepts a status filter value. The empty string means "any".
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case "", StatusPending, StatusPartial, StatusCompleted:
		return Status(value), true
	default:
		return "", false
	}
}

// SignerStatus is the state of one signer. Completed is terminal.
type SignerStatus string

const (
	SignerPending   SignerStatus = "pending"
	SignerCompleted SignerStatus = "completed"
)

// Audit actions recorded on documents.
const (
	ActionDocumentCreated   = "document_created"
	ActionDocumentSigned    = "document_signed"
	ActionDocumentCompleted = "document_completed"
	ActionRenderCompleted   = "render_completed"
	ActionRenderFailed      = "render_failed"
	ActionFinalPDFGenerated = "final_pdf_generated"
	ActionSealCreated       = "seal_created"
)

// Document is the persisted signing envelope. Signers and audit events are
// only ever written through their document.
type Document struct {
	ID              string     `gorm:"column:document_id;primaryKey;size:64"`
	Title           string     `gorm:"column:title;size:300;not null"`
	Description     string     `gorm:"column:description;size:2000"`
	FileName        string     `gorm:"column:file_name;size:255;not null"`
	FileSize        int64      `gorm:"column:file_size;not null"`
	CreatorID       string     `gorm:"column:creator_id;size:190;index"`
	CreatorEmail    string     `gorm:"column:creator_email;size:320;not null;index"`
	CreatorName     string     `gorm:"column:creator_name;size:320"`
	Status          Status     `gorm:"column:status;size:16;not null;index"`
	PageCount       int        `gorm:"column:page_count;not null"`
	PageSizesJSON   string     `gorm:"column:page_sizes;type:text"`
	OriginalBlobKey string     `gorm:"column:original_blob_key;size:255;not null"`
	ProgressBlobKey string     `gorm:"column:progress_blob_key;size:255"`
	SignedBlobKey   string     `gorm:"column:signed_blob_key;size:255"`
	SealBlobKey     string     `gorm:"column:seal_blob_key;size:255"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	RenderedAt      *time.Time `gorm:"column:rendered_at"`
	// RenderedSigners is how many completed signers the stored render includes.
	RenderedSigners int `gorm:"column:rendered_signers;not null;default:0"`

	Signers     []Signer     `gorm:"foreignKey:DocumentID;references:ID;constraint:OnDelete:CASCADE"`
	AuditEvents []AuditEvent `gorm:"foreignKey:DocumentID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing documents.
func (Document) TableName() string {
	return "documents"
}

// PageSizes decodes the page geometry captured at upload.
func (d Document) PageSizes() []placement.PageSize {
	if d.PageSizesJSON == "" {
		return nil
	}
	var sizes []placement.PageSize
	if err := json.Unmarshal([]byte(d.PageSizesJSON), &sizes); err != nil {
		return nil
	}
	return sizes
}

// CompletedSigners counts signers that have signed.
func (d Document) CompletedSigners() int {
	count := 0
	for _, signer := range d.Signers {
		if signer.Status == SignerCompleted {
			count++
		}
	}
	return count
}

// Signer returns the signer with the given id.
func (d Document) Signer(signerID string) (Signer, bool) {
	for _, signer := range d.Signers {
		if signer.ID == signerID {
			return signer, true
		}
	}
	return Signer{}, false
}

// SignerByEmail returns the signer registered under a normalized email.
func (d Document) SignerByEmail(email string) (Signer, bool) {
	for _, signer := range d.Signers {
		if signer.Email == email {
			return signer, true
		}
	}
	return Signer{}, false
}

// AllowedViewers is the creator plus every signer email.
func (d Document) AllowedViewers() []string {
	viewers := make([]string, 0, len(d.Signers)+1)
	viewers = append(viewers, d.CreatorEmail)
	for _, signer := range d.Signers {
		viewers = append(viewers, signer.Email)
	}
	return viewers
}

// Signer is one party that must sign the document.
type Signer struct {
	ID              string       `gorm:"column:signer_id;primaryKey;size:64"`
	DocumentID      string       `gorm:"column:document_id;size:64;not null;uniqueIndex:idx_signer_document_email"`
	Email           string       `gorm:"column:email;size:320;not null;uniqueIndex:idx_signer_document_email;index"`
	Name            string       `gorm:"column:name;size:320"`
	Role            string       `gorm:"column:role;size:64;not null"`
	Order           int          `gorm:"column:signing_order;not null"`
	Status          SignerStatus `gorm:"column:status;size:16;not null"`
	Token           string       `gorm:"column:capability_token;type:text;not null"`
	TokenExpiresAt  time.Time    `gorm:"column:token_expires_at;not null"`
	SignedAt        *time.Time   `gorm:"column:signed_at"`
	AnnotationsJSON string       `gorm:"column:annotations;type:text"`
	SignatureType   string       `gorm:"column:signature_type;size:16"`
	SignatureData   string       `gorm:"column:signature_data;type:text"`
	ClientIP        string       `gorm:"column:client_ip;size:64"`
	UserAgent       string       `gorm:"column:user_agent;size:512"`
}

// TableName exposes the table backing signers.
func (Signer) TableName() string {
	return "document_signers"
}

// Annotations decodes the marks this signer placed. Legacy rows without
// intrinsic page dimensions decode without error.
func (s Signer) Annotations() ([]annotations.Annotation, error) {
	return annotations.DecodeList(s.AnnotationsJSON)
}

// AuditEvent is one append-only entry of a document audit trail.
type AuditEvent struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID  string    `gorm:"column:document_id;size:64;not null;index"`
	Action      string    `gorm:"column:action;size:64;not null"`
	Actor       string    `gorm:"column:actor;size:320"`
	DetailsJSON string    `gorm:"column:details;type:text"`
	OccurredAt  time.Time `gorm:"column:occurred_at;not null"`
}

// TableName exposes the table backing audit events.
func (AuditEvent) TableName() string {
	return "document_audit_events"
}

// Details decodes the event payload.
func (e AuditEvent) Details() map[string]any {
	if e.DetailsJSON == "" {
		return nil
	}
	details := map[string]any{}
	if err := json.Unmarshal([]byte(e.DetailsJSON), &details); err != nil {
		return nil
	}
	return details
}

func newAuditEvent(documentID, action, actor string, details map[string]any, at time.Time) AuditEvent {
	event := AuditEvent{DocumentID: documentID, Action: action, Actor: actor, OccurredAt: at.UTC()}
	if len(details) > 0 {
		if encoded, err := json.Marshal(details); err == nil {
			event.DetailsJSON = string(encoded)
		}
	}
	return event
}
