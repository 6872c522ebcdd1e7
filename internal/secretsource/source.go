// Package secretsource resolves secret material referenced from the service
// configuration: PKCS#11 PINs, TPM hierarchy passwords and software root
// keys. A Spec names where the material lives (inline value, environment
// variable, file, or the OS keyring) so deployments can keep secrets out of
// the config file itself.
package secretsource

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/Superhepper/parsec/internal/secure"
)

// Source kinds accepted in Spec.Source.
const (
	SourceValue   = "value"
	SourceEnv     = "env"
	SourceFile    = "file"
	SourceKeyring = "keyring"
)

// keyringGet is stubbed in tests; the real OS keyring needs a running
// secret service.
var keyringGet = keyring.Get

// Spec describes where secret material comes from and how it is encoded.
type Spec struct {
	// Source is one of value, env, file or keyring.
	Source string `yaml:"source" json:"source"`

	// Value is the inline material for source=value. Discouraged outside
	// development.
	Value string `yaml:"value,omitempty" json:"value,omitempty"`

	// Env names the environment variable for source=env.
	Env string `yaml:"env,omitempty" json:"env,omitempty"`

	// Path names the file for source=file. Trailing newlines are
	// stripped.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Service and Account address the OS keyring entry for
	// source=keyring.
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
	Account string `yaml:"account,omitempty" json:"account,omitempty"`

	// Encoding optionally decodes the retrieved text: "hex" or "base64".
	// Empty means the bytes are used as-is.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

// IsZero reports whether the spec is entirely unset.
func (s Spec) IsZero() bool {
	return s == Spec{}
}

// Validate checks the spec names a usable source.
func (s Spec) Validate() error {
	switch s.Source {
	case SourceValue:
		if s.Value == "" {
			return errors.New("secret source 'value' requires a value")
		}
	case SourceEnv:
		if s.Env == "" {
			return errors.New("secret source 'env' requires an env variable name")
		}
	case SourceFile:
		if s.Path == "" {
			return errors.New("secret source 'file' requires a path")
		}
	case SourceKeyring:
		if s.Service == "" || s.Account == "" {
			return errors.New("secret source 'keyring' requires service and account")
		}
	case "":
		return errors.New("secret source is required")
	default:
		return fmt.Errorf("unknown secret source %q", s.Source)
	}

	switch s.Encoding {
	case "", "hex", "base64":
	default:
		return fmt.Errorf("unknown secret encoding %q", s.Encoding)
	}
	return nil
}

// Resolve fetches and decodes the secret material.
func Resolve(s Spec) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var raw string
	switch s.Source {
	case SourceValue:
		raw = s.Value
	case SourceEnv:
		v, ok := os.LookupEnv(s.Env)
		if !ok || v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", s.Env)
		}
		raw = v
	case SourceFile:
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		raw = strings.TrimRight(string(data), "\r\n")
	case SourceKeyring:
		v, err := keyringGet(s.Service, s.Account)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, fmt.Errorf("keyring entry %s/%s not found", s.Service, s.Account)
			}
			return nil, fmt.Errorf("query OS keyring: %w", err)
		}
		raw = v
	}

	switch s.Encoding {
	case "hex":
		material, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode hex secret: %w", err)
		}
		return material, nil
	case "base64":
		material, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode base64 secret: %w", err)
		}
		return material, nil
	default:
		return []byte(raw), nil
	}
}

// ResolveSecure fetches the material straight into a protected buffer and
// wipes the intermediate copy.
func ResolveSecure(s Spec) (*secure.Buffer, error) {
	material, err := Resolve(s)
	if err != nil {
		return nil, err
	}
	buf, err := secure.NewBuffer(material)
	if err != nil {
		return nil, err
	}
	for i := range material {
		material[i] = 0
	}
	return buf, nil
}
