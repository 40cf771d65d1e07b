package registry

import (
	"errors"
	"fmt"

	"github.com/roach88/bluelines/internal/model"
)

// ConfigCode categorizes configuration errors.
type ConfigCode string

const (
	CodeDuplicateField     ConfigCode = "DUPLICATE_FIELD"
	CodeMissingHierarchy   ConfigCode = "MISSING_HIERARCHY"
	CodeInvalidOperator    ConfigCode = "INVALID_OPERATOR"
	CodeInvalidApplicable  ConfigCode = "INVALID_APPLICABILITY"
	CodeInvalidSource      ConfigCode = "INVALID_SOURCE"
	CodeInvalidFieldID     ConfigCode = "INVALID_FIELD_ID"
	CodeBlockedExternal    ConfigCode = "BLOCKED_EXTERNAL"
	CodeFieldCycle         ConfigCode = "FIELD_CYCLE"
	CodeDefinitionNotFound ConfigCode = "DEFINITION_NOT_FOUND"
)

// ConfigurationError reports an inconsistent field logic configuration.
// It is fatal for the calculation that hits it.
type ConfigurationError struct {
	Code    ConfigCode
	FieldID string
	Variant model.Variant // empty when the error is not variant-specific
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("%s: field %q (%s): %s", e.Code, e.FieldID, e.Variant, e.Message)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Code, e.FieldID, e.Message)
}

// IsConfigurationError returns true if err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsNotFound returns true if err reports a missing definition.
func IsNotFound(err error) bool {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Code == CodeDefinitionNotFound
	}
	return false
}

func configErr(code ConfigCode, fieldID, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Code: code, FieldID: fieldID, Message: fmt.Sprintf(format, args...)}
}
