package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/countersign/internal/auth"
	"github.com/MarcoPoloResearchLab/countersign/internal/blobs"
	"github.com/MarcoPoloResearchLab/countersign/internal/config"
	"github.com/MarcoPoloResearchLab/countersign/internal/database"
	"github.com/MarcoPoloResearchLab/countersign/internal/documents"
	"github.com/MarcoPoloResearchLab/countersign/internal/notify"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdfrender"
	"github.com/MarcoPoloResearchLab/countersign/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/countersign/internal/seal"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// application holds the wired components shared by the serve and rerender commands.
type application struct {
	documents *documents.Service
	sessions  *auth.SessionValidator
	limiter   ratelimit.Limiter
	closers   []func() error
	logger    *zap.Logger
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func buildApplication(cfg config.AppConfig, logger *zap.Logger, events documents.EventPublisher) (*application, error) {
	app := &application{logger: logger}
	fail := func(err error) (*application, error) {
		app.Close()
		return nil, err
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, sqlDB.Close)

	var redisClient redis.UniversalClient
	if cfg.StorageBackend == config.StorageBackendRedis || cfg.RateLimitEnabled {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddress},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		app.closers = append(app.closers, redisClient.Close)
	}

	store, err := openBlobStore(cfg, redisClient)
	if err != nil {
		return fail(err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SessionSigningSecret),
		Issuer:        cfg.SessionIssuer,
		CookieName:    cfg.SessionCookieName,
	})
	if err != nil {
		return fail(err)
	}
	app.sessions = sessions

	tokens, err := auth.NewCapabilityIssuer(auth.CapabilityIssuerConfig{
		SigningSecret: []byte(cfg.TokenSigningSecret),
		Issuer:        cfg.TokenIssuer,
		TokenTTL:      cfg.TokenTTL,
	})
	if err != nil {
		return fail(err)
	}

	mailer, err := openMailer(cfg, logger)
	if err != nil {
		return fail(err)
	}
	notifier, err := notify.NewNotifier(notify.NotifierConfig{Mailer: mailer, BaseURL: cfg.PublicBaseURL})
	if err != nil {
		return fail(err)
	}

	serviceConfig := documents.ServiceConfig{
		Database:       db,
		Blobs:          store,
		Renderer:       pdfrender.NewRenderer(pdfrender.RendererConfig{Logger: logger}),
		Tokens:         tokens,
		Notifier:       notifier,
		Events:         events,
		IDProvider:     documents.NewUUIDProvider(),
		Logger:         logger,
		MaxUploadBytes: cfg.UploadMaxBytes,
	}
	if cfg.SealEnabled() {
		certificate, chain, signer, err := seal.LoadKeyPair(cfg.SealCertificatePath, cfg.SealKeyPath)
		if err != nil {
			return fail(fmt.Errorf("load seal key pair: %w", err))
		}
		sealer, err := seal.NewSealer(seal.Config{
			Certificate: certificate,
			Chain:       chain,
			Signer:      signer,
			TSAURL:      cfg.SealTSAURL,
			Logger:      logger,
		})
		if err != nil {
			return fail(err)
		}
		serviceConfig.Sealer = sealer
		logger.Info("document sealing enabled", zap.String("subject", certificate.Subject.String()))
	}

	service, err := documents.NewService(serviceConfig)
	if err != nil {
		return fail(err)
	}
	app.documents = service

	app.limiter = ratelimit.Unlimited{}
	if cfg.RateLimitEnabled {
		limiter, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Client:   redisClient,
			Prefix:   cfg.RedisKeyPrefix,
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		})
		if err != nil {
			return fail(err)
		}
		app.limiter = limiter
	}

	return app, nil
}

func openBlobStore(cfg config.AppConfig, client redis.UniversalClient) (blobs.Store, error) {
	var store blobs.Store
	switch cfg.StorageBackend {
	case config.StorageBackendRedis:
		if client == nil {
			return nil, errors.New("redis client required for the redis storage backend")
		}
		store = blobs.NewRedisStore(client, cfg.RedisKeyPrefix)
	default:
		filesystem, err := blobs.NewFilesystemStore(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open blob directory: %w", err)
		}
		store = filesystem
	}
	if cfg.StorageEncryptionKey == "" {
		return store, nil
	}
	return blobs.NewEncryptedStore(store, cfg.StorageEncryptionKey)
}

func openMailer(cfg config.AppConfig, logger *zap.Logger) (notify.Mailer, error) {
	if cfg.MailDriver != config.MailDriverSMTP {
		return notify.NewLogMailer(logger), nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}
