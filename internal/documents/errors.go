package documents

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the service. Every ServiceError wraps exactly one.
var (
	ErrValidation    = errors.New("validation error")
	ErrAccessDenied  = errors.New("access denied")
	ErrNotFound      = errors.New("not found")
	ErrAlreadySigned = errors.New("already signed")
	ErrRenderFailure = errors.New("render failure")
	ErrInternal      = errors.New("internal error")
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingBlobs       = errors.New("blob store is required")
	errMissingRenderer    = errors.New("renderer is required")
	errMissingTokens      = errors.New("capability issuer is required")
	errMissingTitle       = errors.New("title is required")
	errMissingSigners     = errors.New("at least one signer is required")
	errTooManySigners     = errors.New("too many signers")
	errInvalidEmail       = errors.New("signer email is invalid")
	errDuplicateSigner    = errors.New("signer emails must be distinct")
	errMissingFile        = errors.New("pdf file is required")
	errNotPDF             = errors.New("only PDF files are allowed")
	errFileTooLarge       = errors.New("pdf exceeds the upload limit")
	errMissingSignature   = errors.New("signature data or annotations are required")
	errUnknownSignature   = errors.New("signature type must be image or text")
	errMissingDocumentID  = errors.New("document id is required")
	errMissingSignerID    = errors.New("signer id is required")
	errMissingIdentity    = errors.New("authenticated identity is required")
	errInvalidStatus      = errors.New("unknown status filter")
	errNoAccess           = errors.New("caller may not access this document")
	errNotSigner          = errors.New("caller may not sign for this signer")
	errNotCreator         = errors.New("only the creator may do this")
	errUnknownDocument    = errors.New("document does not exist")
	errUnknownSigner      = errors.New("signer does not exist")
	errSignerCompleted    = errors.New("signer has already signed")
	errSealNotAvailable   = errors.New("no seal has been produced for this document")
	errOriginalMissing    = errors.New("original pdf is missing from storage")
	errSignedFileNotReady = errors.New("signed pdf is not available")
)

// ServiceError carries a stable "operation.reason" code and an error kind.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	if kind == nil {
		kind = ErrInternal
	}
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindName maps an error onto the wire name of its kind.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, ErrRenderFailure):
		return "render_failure"
	default:
		return "internal_error"
	}
}
