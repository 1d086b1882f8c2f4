package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openSchema(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&documents.Document{}, &documents.Signer{}, &documents.AuditEvent{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func seedLegacyDocument(testContext *testing.T, database *gorm.DB) {
	testContext.Helper()
	now := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	doc := documents.Document{
		ID:              "doc-legacy",
		Title:           "Lease",
		FileName:        "lease.pdf",
		CreatorEmail:    " Owner@Example.com",
		Status:          documents.StatusPartial,
		PageCount:       1,
		PageSizesJSON:   `[{"width":612,"height":792}]`,
		OriginalBlobKey: "documents/doc-legacy/original.pdf",
		ProgressBlobKey: "documents/doc-legacy/progress.pdf",
		CreatedAt:       now,
		UpdatedAt:       now,
		Signers: []documents.Signer{
			{ID: "signer-1", Email: "Alice@Example.com ", Name: "Alice", Order: 1, Status: documents.SignerCompleted, TokenExpiresAt: now},
			{ID: "signer-2", Email: "bob@example.com", Name: "Bob", Order: 2, Status: documents.SignerPending, TokenExpiresAt: now},
		},
	}
	if err := database.Create(&doc).Error; err != nil {
		testContext.Fatalf("failed to seed document: %v", err)
	}
}

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	database := openSchema(testContext)
	seedLegacyDocument(testContext, database)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored documents.Document
	if err := database.Preload("Signers").Where("document_id = ?", "doc-legacy").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if stored.CreatorEmail != "owner@example.com" {
		testContext.Fatalf("expected normalized creator email, got %q", stored.CreatorEmail)
	}
	if _, ok := stored.SignerByEmail("alice@example.com"); !ok {
		testContext.Fatalf("expected normalized signer email, got %+v", stored.Signers)
	}
	if stored.RenderedSigners != 1 {
		testContext.Fatalf("expected rendered signers backfilled to 1, got %d", stored.RenderedSigners)
	}

	for _, name := range []string{migrationNormalizeSignerEmails, migrationBackfillRenderedSigners} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openSchema(testContext)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	if err := applyMigrations(database, logger); err != nil {
		testContext.Fatalf("first run: %v", err)
	}
	if err := applyMigrations(database, logger); err != nil {
		testContext.Fatalf("second run: %v", err)
	}
	if applied := logs.FilterMessage("database migration applied").Len(); applied != 2 {
		testContext.Fatalf("expected each migration applied once, got %d", applied)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "countersign.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"documents", "document_signers", "document_audit_events", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		testContext.Fatalf("expected sqlite pool capped at one connection, got %d", stats.MaxOpenConnections)
	}
}

func TestOpenRejectsBadConfiguration(testContext *testing.T) {
	if _, err := Open(DriverSQLite, "", nil); !errors.Is(err, ErrMissingDSN) {
		testContext.Fatalf("expected missing dsn error, got %v", err)
	}
	if _, err := Open("mysql", "user@/db", nil); !errors.Is(err, ErrUnsupportedDriver) {
		testContext.Fatalf("expected unsupported driver error, got %v", err)
	}
}
