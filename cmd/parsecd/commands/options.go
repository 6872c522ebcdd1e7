// Package commands implements the parsecd CLI: running the daemon, probing
// a configuration, and querying a running service over its socket.
package commands

import (
	"github.com/Superhepper/parsec/internal/config"
	"github.com/Superhepper/parsec/internal/logging"
)

// Options carries the global flags into each command.
type Options struct {
	ConfigPath string
	Debug      bool
	NoColor    bool
	Version    string
}

// loadConfig loads and validates the config file.
func (o *Options) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// logger builds the service logger, letting the command line sharpen what
// the config file asks for but never quiet it down.
func (o *Options) logger(cfg *config.Config) *logging.Logger {
	return logging.New(o.Debug || cfg.Log.Debug, o.NoColor || cfg.Log.NoColor)
}

// socketPath resolves the socket to talk to: an explicit flag wins,
// otherwise the config file's listener address.
func (o *Options) socketPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Listener.SocketPath, nil
}
