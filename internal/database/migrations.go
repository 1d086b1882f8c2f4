package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeSignerEmails   = "2026-09-14_normalize_signer_emails"
	migrationBackfillRenderedSigners = "2026-10-02_backfill_rendered_signers"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeSignerEmails, apply: normalizeSignerEmails},
		{name: migrationBackfillRenderedSigners, apply: backfillRenderedSigners},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Access checks compare emails exactly, so stored addresses must already be
// trimmed and lower-cased.
func normalizeSignerEmails(db *gorm.DB) error {
	if err := db.Exec("UPDATE document_signers SET email = LOWER(TRIM(email)) WHERE email <> LOWER(TRIM(email))").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE documents SET creator_email = LOWER(TRIM(creator_email)) WHERE creator_email <> LOWER(TRIM(creator_email))").Error
}

// Documents rendered before the counter existed would otherwise be
// re-rendered on every download.
func backfillRenderedSigners(db *gorm.DB) error {
	return db.Exec(`UPDATE documents SET rendered_signers = (
		SELECT COUNT(*) FROM document_signers
		WHERE document_signers.document_id = documents.document_id AND document_signers.status = ?
	) WHERE rendered_signers = 0 AND (signed_blob_key <> '' OR progress_blob_key <> '')`, "completed").Error
}
