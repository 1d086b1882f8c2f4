// Package seal produces detached PKCS#7 signatures over completed documents.
package seal

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"go.uber.org/zap"
)

const maxTimestampResponse = 1 << 20

var (
	ErrMissingCertificate = errors.New("seal: certificate is required")
	ErrMissingSigner      = errors.New("seal: private key is required")
	ErrTimestamp          = errors.New("seal: timestamp authority")
	ErrInvalidSeal        = errors.New("seal: invalid seal")
)

var oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// Config configures a Sealer.
type Config struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Signer      crypto.Signer
	// TSAURL is an optional RFC 3161 endpoint.
	TSAURL     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Sealer signs byte streams with a fixed certificate.
type Sealer struct {
	certificate *x509.Certificate
	chain       []*x509.Certificate
	signer      crypto.Signer
	tsaURL      string
	client      *http.Client
	logger      *zap.Logger
}

// NewSealer constructs a Sealer.
func NewSealer(cfg Config) (*Sealer, error) {
	if cfg.Certificate == nil {
		return nil, ErrMissingCertificate
	}
	if cfg.Signer == nil {
		return nil, ErrMissingSigner
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{
		certificate: cfg.Certificate,
		chain:       cfg.Chain,
		signer:      cfg.Signer,
		tsaURL:      cfg.TSAURL,
		client:      client,
		logger:      logger,
	}, nil
}

// LoadKeyPair reads a PEM certificate chain and its private key. The first
// certificate in the file is the signing certificate.
func LoadKeyPair(certificatePath, keyPath string) (*x509.Certificate, []*x509.Certificate, crypto.Signer, error) {
	certificatePEM, err := os.ReadFile(certificatePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("seal: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("seal: read key: %w", err)
	}
	return ParseKeyPair(certificatePEM, keyPEM)
}

// ParseKeyPair is LoadKeyPair over in-memory PEM blocks.
func ParseKeyPair(certificatePEM, keyPEM []byte) (*x509.Certificate, []*x509.Certificate, crypto.Signer, error) {
	pair, err := tls.X509KeyPair(certificatePEM, keyPEM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("seal: parse key pair: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, nil, nil, ErrMissingSigner
	}
	certificates := make([]*x509.Certificate, 0, len(pair.Certificate))
	for _, der := range pair.Certificate {
		certificate, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("seal: parse certificate: %w", err)
		}
		certificates = append(certificates, certificate)
	}
	return certificates[0], certificates[1:], signer, nil
}

// Seal returns a DER encoded detached SHA-256 PKCS#7 signature over content,
// timestamped when a TSA is configured.
func (s *Sealer) Seal(ctx context.Context, content []byte) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("seal: new signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := signedData.AddSignerChain(s.certificate, s.signer, s.chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("seal: add signer chain: %w", err)
	}
	signedData.Detach()

	if s.tsaURL != "" {
		signature := signedData.GetSignedData()
		token, err := s.timestamp(ctx, signature.SignerInfos[0].EncryptedDigest)
		if err != nil {
			return nil, err
		}
		attribute := pkcs7.Attribute{Type: oidTimeStampToken, Value: asn1.RawValue{FullBytes: token}}
		if err := signature.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{attribute}); err != nil {
			return nil, fmt.Errorf("seal: attach timestamp: %w", err)
		}
	}

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("seal: finish: %w", err)
	}
	return der, nil
}

func (s *Sealer) timestamp(ctx context.Context, digest []byte) ([]byte, error) {
	request, err := timestamp.CreateRequest(bytes.NewReader(digest), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrTimestamp, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tsaURL, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("%w: prepare request: %v", ErrTimestamp, err)
	}
	httpRequest.Header.Set("Content-Type", "application/timestamp-query")
	httpRequest.Header.Set("Content-Transfer-Encoding", "binary")

	response, err := s.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestamp, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxTimestampResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTimestamp, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: non success response (%d)", ErrTimestamp, response.StatusCode)
	}
	parsed, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrTimestamp, err)
	}
	s.logger.Debug("timestamp token received", zap.String("tsa", s.tsaURL), zap.Time("time", parsed.Time))
	return parsed.RawToken, nil
}

// Verify checks a detached seal against content and returns the signing certificate.
func Verify(content, sealDER []byte) (*x509.Certificate, error) {
	parsed, err := pkcs7.Parse(sealDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	parsed.Content = content
	if err := parsed.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	signer := parsed.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: expected exactly one signer", ErrInvalidSeal)
	}
	return signer, nil
}
