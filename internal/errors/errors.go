package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError is an error shown on the CLI surface with helpful context.
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError is a configuration error tied to a field.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  Try: " + e.Suggestion
	}

	return msg
}

// CheckError is a failed health probe of one service component, reported by
// `parsecd check`.
type CheckError struct {
	Component  string
	Message    string
	Suggestion string
	Err        error
}

func (e CheckError) Error() string {
	msg := fmt.Sprintf("check failed for %s: %s", e.Component, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Suggestion != "" {
		msg += "\n  Try: " + e.Suggestion
	}
	return msg
}

func (e CheckError) Unwrap() error {
	return e.Err
}

// BackendError wraps a backend failure with an operator-facing suggestion.
func BackendError(backend string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s backend error during %s", backend, operation),
		Suggestion: backendSuggestion(backend, err),
		Err:        err,
	}
}

// backendSuggestion returns operator hints keyed on backend and error text.
func backendSuggestion(backend string, err error) string {
	errStr := err.Error()

	switch backend {
	case "pkcs11":
		if strings.Contains(errStr, "no such file") || strings.Contains(errStr, "cannot open shared object") {
			return "Verify module_path points at the PKCS#11 library (e.g. libsofthsm2.so) and is readable"
		}
		if strings.Contains(errStr, "CKR_PIN_INCORRECT") || strings.Contains(errStr, "CKR_PIN_LOCKED") {
			return "Check the configured user_pin; the token may need to be re-initialized after repeated failures"
		}
		if strings.Contains(errStr, "CKR_TOKEN_NOT_PRESENT") || strings.Contains(errStr, "CKR_SLOT_ID_INVALID") {
			return "Verify the slot number or token_label matches an initialized token (softhsm2-util --show-slots)"
		}

	case "tpm":
		if strings.Contains(errStr, "no such file") || strings.Contains(errStr, "permission denied") {
			return "Check the TPM device path (usually /dev/tpmrm0) and that the service user is in the tss group"
		}
		if strings.Contains(errStr, "auth") {
			return "Check hierarchy_auth matches the TPM owner hierarchy password"
		}

	case "aws":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for the secretsmanager/ssm actions the key store needs"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Wait a moment and try again"
		}

	case "gcp":
		if strings.Contains(errStr, "could not find default credentials") {
			return "Set GOOGLE_APPLICATION_CREDENTIALS or configure credentials_file in the key store"
		}
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant the service account roles/secretmanager.admin on the project"
		}

	case "azure":
		if strings.Contains(errStr, "DefaultAzureCredential") || strings.Contains(errStr, "authentication") {
			return "Sign in with 'az login' or configure a client secret / managed identity"
		}
		if strings.Contains(errStr, "Forbidden") {
			return "Check the Key Vault access policy grants secret get/set/delete"
		}

	case "sql":
		if strings.Contains(errStr, "connection refused") {
			return "Verify the database is running and the DSN host/port are correct"
		}
		if strings.Contains(errStr, "authentication failed") || strings.Contains(errStr, "Access denied") {
			return "Check the DSN credentials"
		}
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and backend configuration"
	}

	return ""
}

// IsRetryable reports whether an error looks transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError rewrites common technical failures into CLI-friendly ones.
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	// Already user-facing.
	switch err.(type) {
	case UserError, ConfigError, CheckError:
		return err
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "permission denied",
			Suggestion: "Check file permissions on the socket path and state directories",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "file or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
