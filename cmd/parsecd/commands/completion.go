package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// NewCompletionCommand creates the completion command for generating shell
// completions.
func NewCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for parsecd.

To load completions:

Bash:
  $ source <(parsecd completion bash)

  # To load completions for each session, execute once:
  $ parsecd completion bash > /etc/bash_completion.d/parsecd

Zsh:
  $ parsecd completion zsh > "${fpath[1]}/_parsecd"

Fish:
  $ parsecd completion fish | source

  # To load completions for each session, execute once:
  $ parsecd completion fish > ~/.config/fish/completions/parsecd.fish

PowerShell:
  PS> parsecd completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}
}
