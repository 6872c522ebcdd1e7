package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Superhepper/parsec/internal/config"
	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/pkg/requests"
)

const fullConfig = `
listener:
  socket_path: /run/parsec/parsec.sock
  body_limit: 65536
log:
  debug: true
  no_color: true
authenticators:
  - type: direct
  - type: unix-peer
key_info_manager:
  type: ondisk
  path: /var/lib/parsec/keyinfo
key_aliasing: true
default_provider: software
providers:
  - type: software
    key_store:
      backend: file
      path: /var/lib/parsec/keystore
    root_key:
      source: env
      env: PARSEC_ROOT_KEY
      encoding: hex
  - type: pkcs11
    module_path: /usr/lib/softhsm/libsofthsm2.so
    token_label: parsec
    user_pin:
      source: keyring
      service: parsec
      account: pkcs11-pin
    max_sessions: 8
  - type: tpm
    device: /dev/tpmrm0
metrics:
  enabled: true
  addr: 127.0.0.1:9855
`

func TestParseFullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "/run/parsec/parsec.sock", cfg.Listener.SocketPath)
	assert.Equal(t, uint32(65536), cfg.Listener.BodyLimit)
	assert.True(t, cfg.Log.Debug)
	assert.Len(t, cfg.Authenticators, 2)
	assert.Equal(t, "ondisk", cfg.KeyInfoManager.Type)
	assert.True(t, cfg.KeyAliasing)
	assert.Equal(t, requests.ProviderSoftware, cfg.DefaultProviderID())

	require.Len(t, cfg.Providers, 3)
	sw := cfg.Providers[0]
	assert.Equal(t, requests.ProviderSoftware, sw.ID())
	require.NotNil(t, sw.KeyStore)
	assert.Equal(t, "file", sw.KeyStore.Backend)
	assert.Equal(t, "hex", sw.RootKey.Encoding)

	p11 := cfg.Providers[1]
	assert.Equal(t, requests.ProviderPKCS11, p11.ID())
	assert.Equal(t, 8, p11.MaxSessions)
	assert.Equal(t, "keyring", p11.UserPIN.Source)

	tpm := cfg.Providers[2]
	assert.Equal(t, requests.ProviderTPM, tpm.ID())
	assert.True(t, tpm.HierarchyAuth.IsZero())

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9855", cfg.Metrics.Addr)
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.Parse([]byte(`
listener:
  socket_path: /tmp/parsec.sock
authenticators:
  - type: direct
key_info_manager:
  path: /tmp/keyinfo
providers:
  - type: software
    key_store:
      backend: memory
metrics:
  enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, "ondisk", cfg.KeyInfoManager.Type)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.Equal(t, requests.ProviderCore, cfg.DefaultProviderID())
	assert.Zero(t, cfg.Listener.BodyLimit)
}

func TestSchemaRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty file", yaml: ""},
		{name: "unknown top-level key", yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}}]
rotation: {}
`},
		{name: "bad authenticator type", yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: kerberos}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}}]
`},
		{name: "missing listener", yaml: `
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}}]
`},
		{name: "bad keystore backend", yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: etcd}}]
`},
		{name: "bad secret source", yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}, root_key: {source: vault}}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			var cfgErr dserrors.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestSemanticRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "ondisk store without path",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {type: ondisk}
providers: [{type: software, key_store: {backend: memory}}]
`,
			field: "key_info_manager.path",
		},
		{
			name: "sql store without dsn",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {type: sql, driver: postgres}
providers: [{type: software, key_store: {backend: memory}}]
`,
			field: "key_info_manager",
		},
		{
			name: "unsupported sql driver",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {type: sql, driver: sqlite, dsn: file::memory:}
providers: [{type: software, key_store: {backend: memory}}]
`,
			field: "key_info_manager.driver",
		},
		{
			name: "duplicate authenticator",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}, {type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}}]
`,
			field: "authenticators[1].type",
		},
		{
			name: "duplicate provider type",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers:
  - {type: software, key_store: {backend: memory}}
  - {type: software, key_store: {backend: memory}}
`,
			field: "providers[1].type",
		},
		{
			name: "software without key store",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software}]
`,
			field: "providers[0].key_store",
		},
		{
			name: "pkcs11 without module path",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: pkcs11}]
`,
			field: "providers[0].module_path",
		},
		{
			name: "default provider not configured",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
default_provider: tpm
providers: [{type: software, key_store: {backend: memory}}]
`,
			field: "default_provider",
		},
		{
			name: "incomplete secret source",
			yaml: `
listener: {socket_path: /tmp/s.sock}
authenticators: [{type: direct}]
key_info_manager: {path: /tmp/k}
providers: [{type: software, key_store: {backend: memory}, root_key: {source: env}}]
`,
			field: "providers[0].root_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			var cfgErr dserrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parsec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/parsec/parsec.sock", cfg.Listener.SocketPath)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	var cfgErr dserrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
