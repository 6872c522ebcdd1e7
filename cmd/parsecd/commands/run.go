package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Superhepper/parsec/internal/service"
)

const shutdownTimeout = 10 * time.Second

// NewRunCommand creates the run command that starts the daemon.
func NewRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the service",
		Long: `Load the configuration, recover any interrupted key operations, bind the
unix socket and serve until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := opts.logger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := service.New(ctx, cfg, log, opts.Version)
			if err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() { runErr <- svc.Run(context.Background()) }()

			select {
			case err := <-runErr:
				// Startup or the listener failed; release whatever
				// was already built.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = svc.Shutdown(shutdownCtx)
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-runErr
		},
	}
}
