package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Superhepper/parsec/cmd/parsecd/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	opts := &commands.Options{}

	rootCmd := &cobra.Command{
		Use:   "parsecd",
		Short: "Platform abstraction for security - cryptographic service daemon",
		Long: `parsecd serves cryptographic operations (key generation, signing,
verification, encryption, hashing) over a unix socket, executing them in
software, on a PKCS#11 token/HSM or in a TPM, with per-application key
namespaces.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.ConfigPath = configFile
			opts.Debug = debug
			opts.NoColor = noColor
			opts.Version = version
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "parsec.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewRunCommand(opts),
		commands.NewCheckCommand(opts),
		commands.NewProvidersCommand(opts),
		commands.NewKeysCommand(opts),
		commands.NewCompletionCommand(),
	)

	return rootCmd.Execute()
}
