package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Superhepper/parsec/internal/errors"
)

func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Connection timeout")
	assert.Contains(t, errMsg, "Check network connectivity")
}

func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Field:      "providers[0].module_path",
		Value:      "/usr/lib/missing.so",
		Message:    "module library not found",
		Suggestion: "Install softhsm2 or point module_path at your vendor library",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "providers[0].module_path")
	assert.Contains(t, errMsg, "/usr/lib/missing.so")
	assert.Contains(t, errMsg, "module library not found")
	assert.Contains(t, errMsg, "softhsm2")
}

func TestCheckErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.CheckError{
		Component:  "provider/tpm",
		Message:    "device probe failed",
		Suggestion: "Check /dev/tpmrm0 permissions",
		Err:        fmt.Errorf("open /dev/tpmrm0: permission denied"),
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "provider/tpm")
	assert.Contains(t, errMsg, "device probe failed")
	assert.Contains(t, errMsg, "permission denied")
	assert.Contains(t, errMsg, "/dev/tpmrm0 permissions")
}

func TestPKCS11BackendSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		errorMsg           string
		expectedSuggestion string
	}{
		{"module missing", "dlopen: no such file", "module_path"},
		{"pin incorrect", "pkcs11: 0xA0: CKR_PIN_INCORRECT", "user_pin"},
		{"token absent", "pkcs11: 0xE0: CKR_TOKEN_NOT_PRESENT", "initialized token"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := errors.BackendError("pkcs11", "check", fmt.Errorf("%s", tt.errorMsg))
			assert.Contains(t, err.Error(), tt.expectedSuggestion)
		})
	}
}

func TestTPMBackendSuggestions(t *testing.T) {
	t.Parallel()

	err := errors.BackendError("tpm", "open", fmt.Errorf("open /dev/tpmrm0: permission denied"))
	assert.Contains(t, err.Error(), "tss group")

	err = errors.BackendError("tpm", "create-primary", fmt.Errorf("session 1, error code 0x22: auth failure"))
	assert.Contains(t, err.Error(), "hierarchy_auth")
}

func TestCloudBackendSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend            string
		errorMsg           string
		expectedSuggestion string
	}{
		{"aws", "no valid credentials found", "aws configure"},
		{"aws", "AccessDenied: not authorized", "IAM permissions"},
		{"aws", "ThrottlingException: rate exceeded", "rate limit"},
		{"gcp", "could not find default credentials", "GOOGLE_APPLICATION_CREDENTIALS"},
		{"gcp", "rpc error: code = PermissionDenied", "secretmanager.admin"},
		{"azure", "DefaultAzureCredential: failed to acquire token", "az login"},
		{"azure", "Forbidden: caller lacks permission", "access policy"},
		{"sql", "dial tcp 127.0.0.1:5432: connection refused", "DSN host/port"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.backend+"/"+tt.expectedSuggestion, func(t *testing.T) {
			t.Parallel()

			err := errors.BackendError(tt.backend, "probe", fmt.Errorf("%s", tt.errorMsg))
			assert.Contains(t, err.Error(), tt.expectedSuggestion)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errorMsg  string
		retryable bool
	}{
		{"timeout", "operation timeout", true},
		{"rate limit", "rate limit exceeded", true},
		{"throttling", "ThrottlingException", true},
		{"connection reset", "connection reset by peer", true},
		{"broken pipe", "broken pipe", true},
		{"not found", "resource not found", false},
		{"invalid config", "invalid configuration", false},
		{"nil error", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var err error
			if tt.errorMsg != "" {
				err = fmt.Errorf("%s", tt.errorMsg)
			}
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		inputError    error
		expectedInMsg string
		wantConfig    bool
		wantUser      bool
	}{
		{
			name:          "yaml error",
			inputError:    fmt.Errorf("yaml: line 5: mapping values are not allowed"),
			expectedInMsg: "invalid YAML",
			wantConfig:    true,
		},
		{
			name:          "permission denied",
			inputError:    fmt.Errorf("permission denied"),
			expectedInMsg: "permission denied",
			wantUser:      true,
		},
		{
			name:          "file not found",
			inputError:    fmt.Errorf("no such file or directory"),
			expectedInMsg: "not found",
			wantUser:      true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			simplified := errors.SimplifyError(tt.inputError)
			assert.Contains(t, simplified.Error(), tt.expectedInMsg)

			if tt.wantConfig {
				_, ok := simplified.(errors.ConfigError)
				assert.True(t, ok, "should be ConfigError")
			}
			if tt.wantUser {
				_, ok := simplified.(errors.UserError)
				assert.True(t, ok, "should be UserError")
			}
		})
	}

	// Already user-facing errors pass through untouched.
	cfgErr := errors.ConfigError{Field: "listener.socket", Message: "missing"}
	assert.Equal(t, cfgErr, errors.SimplifyError(cfgErr))
}

func TestUserErrorUnwrap(t *testing.T) {
	t.Parallel()

	baseErr := fmt.Errorf("base error")
	userErr := errors.UserError{Message: "wrapped error", Err: baseErr}
	assert.Equal(t, baseErr, userErr.Unwrap())

	checkErr := errors.CheckError{Component: "store", Message: "probe", Err: baseErr}
	assert.Equal(t, baseErr, checkErr.Unwrap())
}

func TestNilErrorHandling(t *testing.T) {
	t.Parallel()

	assert.False(t, errors.IsRetryable(nil))
	assert.Nil(t, errors.SimplifyError(nil))
}
