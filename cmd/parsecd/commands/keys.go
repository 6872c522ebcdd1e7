package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// NewKeysCommand creates the keys command that lists an application's keys
// on a running service.
func NewKeysCommand(opts *Options) *cobra.Command {
	var (
		socket string
		app    string
	)

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List an application's keys",
		Long: `Query a running service for the active keys in one application's
namespace, using direct authentication.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.socketPath(socket)
			if err != nil {
				return err
			}

			req, err := directReq(requests.OpListKeys, app, operations.ListKeys{})
			if err != nil {
				return err
			}
			var result operations.ListKeysResult
			if err := call(path, req, &result); err != nil {
				return err
			}

			if len(result.Keys) == 0 {
				fmt.Printf("No keys for application %q\n", app)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "NAME\tPROVIDER\tTYPE\tBITS\tUSAGE\tCREATED\n")
			for _, k := range result.Keys {
				bits := k.Attributes.Bits
				if bits == 0 {
					bits = k.Attributes.Type.DefaultBits()
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					k.Name, k.Provider, k.Attributes.Type, bits,
					usageString(k.Attributes.Usage),
					k.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			_ = w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Service socket path (default: from config file)")
	cmd.Flags().StringVar(&app, "app", "", "Application name (required)")
	_ = cmd.MarkFlagRequired("app")

	return cmd
}

func usageString(u keys.UsageFlags) string {
	var set []string
	if u.Sign {
		set = append(set, "sign")
	}
	if u.Verify {
		set = append(set, "verify")
	}
	if u.Encrypt {
		set = append(set, "encrypt")
	}
	if u.Decrypt {
		set = append(set, "decrypt")
	}
	if u.Export {
		set = append(set, "export")
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, ",")
}
