package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// NewProvidersCommand creates the providers command that lists the
// providers a running service exposes.
func NewProvidersCommand(opts *Options) *cobra.Command {
	var (
		socket  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the running service's providers",
		Long: `Query a running service for its configured providers and their declared
capabilities.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.socketPath(socket)
			if err != nil {
				return err
			}

			var result operations.ListProvidersResult
			if err := call(path, anonymousReq(requests.OpListProviders), &result); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "ID\tNAME\tVERSION\tDEFAULT\tDESCRIPTION\n")
			for _, p := range result.Providers {
				def := ""
				if p.Default {
					def = "*"
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", uint8(p.ID), p.Name, p.Version, def, p.Description)
			}
			_ = w.Flush()

			if verbose {
				for _, p := range result.Providers {
					fmt.Printf("\n%s:\n", p.Name)
					fmt.Printf("  operations: ")
					for i, op := range p.Opcodes {
						if i > 0 {
							fmt.Print(", ")
						}
						fmt.Print(op)
					}
					fmt.Printf("\n  algorithms: ")
					for i, alg := range p.Algorithms {
						if i > 0 {
							fmt.Print(", ")
						}
						fmt.Print(alg)
					}
					fmt.Println()
					if len(p.KeyTypes) > 0 {
						fmt.Printf("  key types:  ")
						for i, kt := range p.KeyTypes {
							if i > 0 {
								fmt.Print(", ")
							}
							fmt.Print(kt)
						}
						fmt.Println()
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Service socket path (default: from config file)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show capabilities per provider")

	return cmd
}
