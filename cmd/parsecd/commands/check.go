package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Superhepper/parsec/internal/service"
)

// NewCheckCommand creates the check command that validates a configuration
// by building the full stack and probing every backend.
func NewCheckCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe backends",
		Long: `Load and validate the configuration, build every configured provider and
the key info store, and probe each one. Exits non-zero when anything is
unreachable or misconfigured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := opts.logger(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			svc, err := service.New(ctx, cfg, log, opts.Version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = svc.Shutdown(shutdownCtx)
			}()

			if err := svc.Check(ctx); err != nil {
				return fmt.Errorf("checks failed: %w", err)
			}
			fmt.Println("All checks passed")
			return nil
		},
	}
}
