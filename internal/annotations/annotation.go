// Package annotations defines the marks a signer places on a document page.
package annotations

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
)

// Kind discriminates the mark variants.
type Kind string

const (
	KindSignature Kind = "signature"
	KindText      Kind = "text"
	KindDate      Kind = "date"
)

const (
	// DefaultTextFontSize applies to text marks submitted without a size.
	DefaultTextFontSize = 14.0
	// DateFontSize is fixed for date stamps.
	DateFontSize = 12.0

	minFontSize         = 4.0
	maxFontSize         = 96.0
	maxTextLength       = 500
	maxSignaturePayload = 2 << 20
	// MaxPerSigner caps the marks accepted in one submission.
	MaxPerSigner = 64
)

var (
	// ErrInvalidAnnotation wraps every boundary validation failure.
	ErrInvalidAnnotation = errors.New("annotations: invalid annotation")
	// ErrUnknownKind indicates an unsupported type discriminator.
	ErrUnknownKind = errors.New("annotations: unknown annotation type")
	// ErrMissingIntrinsic indicates a new annotation without the zoom-1.0 page size.
	ErrMissingIntrinsic = errors.New("annotations: originalPdfWidth and originalPdfHeight are required")

	errMalformedDataURL = errors.New("malformed data url")
	errNotBase64        = errors.New("payload is not base64")
)

// Mark is one of Signature, Text or Date.
type Mark interface {
	Kind() Kind
	payload() string
}

// Signature carries an image payload, optionally as a data URL.
type Signature struct {
	Data string
}

// Kind implements Mark.
func (Signature) Kind() Kind { return KindSignature }

func (s Signature) payload() string { return s.Data }

// Bytes strips any data-URL prefix and decodes the base64 image payload.
func (s Signature) Bytes() ([]byte, error) {
	return DecodeImagePayload(s.Data)
}

// Text is a literal string drawn at FontSize.
type Text struct {
	Value    string
	FontSize float64
}

// Kind implements Mark.
func (Text) Kind() Kind { return KindText }

func (t Text) payload() string { return t.Value }

// Date is a date stamp. An empty Value is filled in at render time.
type Date struct {
	Value string
}

// Kind implements Mark.
func (Date) Kind() Kind { return KindDate }

func (d Date) payload() string { return d.Value }

// Annotation is one placed mark with the geometry needed to reproduce its position.
type Annotation struct {
	Page      int
	Placement placement.Context
	Mark      Mark
}

// Kind returns the variant of the carried mark.
func (a Annotation) Kind() Kind {
	if a.Mark == nil {
		return ""
	}
	return a.Mark.Kind()
}

// FontSize returns the size used for text-like marks and zero for signatures.
func (a Annotation) FontSize() float64 {
	switch mark := a.Mark.(type) {
	case Text:
		if mark.FontSize > 0 {
			return mark.FontSize
		}
		return DefaultTextFontSize
	case Date:
		return DateFontSize
	default:
		return 0
	}
}

// Validate enforces the submission contract. Stored legacy annotations that
// predate intrinsic capture are decoded without calling Validate.
func (a Annotation) Validate() error {
	if a.Page < 1 {
		return fmt.Errorf("%w: page must be 1 or greater", ErrInvalidAnnotation)
	}
	if !a.Placement.HasIntrinsic() {
		return fmt.Errorf("%w: %w", ErrInvalidAnnotation, ErrMissingIntrinsic)
	}
	if err := a.Placement.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAnnotation, err)
	}
	if !(a.Placement.Scale > 0) {
		return fmt.Errorf("%w: scale must be positive", ErrInvalidAnnotation)
	}
	switch mark := a.Mark.(type) {
	case Signature:
		if strings.TrimSpace(mark.Data) == "" {
			return fmt.Errorf("%w: signature data is required", ErrInvalidAnnotation)
		}
		if len(mark.Data) > maxSignaturePayload {
			return fmt.Errorf("%w: signature data exceeds %d bytes", ErrInvalidAnnotation, maxSignaturePayload)
		}
	case Text:
		if strings.TrimSpace(mark.Value) == "" {
			return fmt.Errorf("%w: text is required", ErrInvalidAnnotation)
		}
		if len([]rune(mark.Value)) > maxTextLength {
			return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidAnnotation, maxTextLength)
		}
		if mark.FontSize != 0 && (mark.FontSize < minFontSize || mark.FontSize > maxFontSize) {
			return fmt.Errorf("%w: font size %v out of range", ErrInvalidAnnotation, mark.FontSize)
		}
	case Date:
		if len([]rune(mark.Value)) > maxTextLength {
			return fmt.Errorf("%w: date exceeds %d characters", ErrInvalidAnnotation, maxTextLength)
		}
	case nil:
		return fmt.Errorf("%w: mark is required", ErrInvalidAnnotation)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, mark)
	}
	return nil
}

// ValidateAll validates a submission batch.
func ValidateAll(list []Annotation) error {
	if len(list) > MaxPerSigner {
		return fmt.Errorf("%w: at most %d annotations per signer", ErrInvalidAnnotation, MaxPerSigner)
	}
	for index, annotation := range list {
		if err := annotation.Validate(); err != nil {
			return fmt.Errorf("annotation %d: %w", index, err)
		}
	}
	return nil
}

// DecodeDataURL accepts raw base64 or a data URL and returns the decoded bytes
// with the media type named by the URL, if any. Unpadded base64 is accepted.
func DecodeDataURL(data string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(data)
	mediaType := ""
	if strings.HasPrefix(trimmed, "data:") {
		comma := strings.IndexByte(trimmed, ',')
		if comma < 0 {
			return nil, "", errMalformedDataURL
		}
		mediaType = strings.TrimSpace(strings.SplitN(trimmed[len("data:"):comma], ";", 2)[0])
		trimmed = trimmed[comma+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(trimmed, "="))
		if err != nil {
			return nil, "", errNotBase64
		}
	}
	return decoded, mediaType, nil
}

// DecodeImagePayload accepts raw base64 or a data URL and returns the image bytes.
func DecodeImagePayload(data string) ([]byte, error) {
	decoded, _, err := DecodeDataURL(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnotation, err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", ErrInvalidAnnotation)
	}
	return decoded, nil
}
