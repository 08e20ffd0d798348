package validation

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// RecordValidator checks image records before they reach the analyzer or the queue
type RecordValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewRecordValidator creates a validator accepting every scheme a blob store can resolve
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{
		allowedSchemes: []string{"file", "azblob", "http", "https"},
		allowedHosts:   []string{}, // empty means all hosts allowed
	}
}

// NewRecordValidatorWithOptions creates a record validator with custom options
func NewRecordValidatorWithOptions(schemes []string, hosts []string) *RecordValidator {
	return &RecordValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// ValidateImageURI validates the location of a capture
func (v *RecordValidator) ValidateImageURI(imageURI string) error {
	if strings.TrimSpace(imageURI) == "" {
		return apperrors.NewValidationError("image URI cannot be empty", nil)
	}

	parsed, err := url.Parse(imageURI)
	if err != nil {
		return apperrors.NewValidationError("invalid image URI format", err)
	}

	if !v.isSchemeAllowed(parsed.Scheme) {
		return apperrors.NewValidationError(fmt.Sprintf("image URI scheme %q not allowed", parsed.Scheme), nil)
	}

	switch parsed.Scheme {
	case "file":
		if parsed.Path == "" && parsed.Opaque == "" {
			return apperrors.NewValidationError("file URI must have a path", nil)
		}
	case "azblob":
		// azblob://container/blob
		if parsed.Host == "" || strings.Trim(parsed.Path, "/") == "" {
			return apperrors.NewValidationError("azblob URI must name a container and a blob", nil)
		}
	default:
		if parsed.Host == "" {
			return apperrors.NewValidationError("image URI must have a valid host", nil)
		}
		if len(v.allowedHosts) > 0 && !v.isHostAllowed(parsed.Host) {
			return apperrors.NewValidationError("image URI host not allowed", nil)
		}
	}

	return nil
}

// ValidateRecord validates a single image record
func (v *RecordValidator) ValidateRecord(record models.ImageRecord) error {
	if err := v.ValidateImageURI(record.URI); err != nil {
		return err
	}
	if record.CapturedAt.IsZero() {
		return apperrors.NewValidationError("captured_at is required", nil)
	}
	if record.Width < 0 || record.Height < 0 {
		return apperrors.NewValidationError("image dimensions cannot be negative", nil)
	}
	if record.ContentHash != "" {
		if len(record.ContentHash) != 64 {
			return apperrors.NewValidationError("content_hash must be a hex SHA-256 digest", nil)
		}
		if _, err := hex.DecodeString(record.ContentHash); err != nil {
			return apperrors.NewValidationError("content_hash must be a hex SHA-256 digest", err)
		}
	}
	return nil
}

// ValidatePair validates both records and their chronological order
func (v *RecordValidator) ValidatePair(before, after models.ImageRecord) error {
	if err := v.ValidateRecord(before); err != nil {
		return prefixed("before", err)
	}
	if err := v.ValidateRecord(after); err != nil {
		return prefixed("after", err)
	}
	if after.CapturedAt.Before(before.CapturedAt) {
		return apperrors.NewValidationError("after capture precedes before capture", nil)
	}
	return nil
}

func prefixed(which string, err error) error {
	if appErr, ok := apperrors.As(err); ok {
		return apperrors.NewValidationError(which+": "+appErr.Message, appErr.Cause)
	}
	return apperrors.NewValidationError(which+": "+err.Error(), err)
}

// isSchemeAllowed checks if the URI scheme is in the allowed list
func (v *RecordValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// isHostAllowed checks if the URI host is in the allowed list
func (v *RecordValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}
