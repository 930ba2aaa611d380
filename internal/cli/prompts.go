package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt templates",
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in prompt templates to a directory for editing",
	Long: `Write generate.md, refine.md and repair.md into --dir (default: prompts.dir
from the config). Existing files are kept unless --force is set. Point prompts.dir
at the directory to use the edited templates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		force, _ := cmd.Flags().GetBool("force")
		if dir == "" {
			cfg, _, err := loadConfig()
			if err != nil {
				return usageError(err)
			}
			dir = cfg.Prompts.Dir
		}
		if dir == "" {
			return usageError(errors.New("no prompts dir: pass --dir or set prompts.dir"))
		}

		written, err := prompt.Install(dir, force)
		if err != nil {
			return internalError(err)
		}
		if len(written) == 0 {
			cmd.Printf("All templates already present in %s (use --force to overwrite).\n", dir)
			return nil
		}
		for _, name := range written {
			cmd.Printf("wrote %s\n", name)
		}
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the template that would be used for a prompt (override or built-in)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if cfg, _, err := loadConfig(); err == nil {
			dir = cfg.Prompts.Dir
		}
		text, err := prompt.NewSet(dir).Load(args[0])
		if err != nil {
			return usageError(fmt.Errorf("%w (built-ins: %v)", err, prompt.BuiltinNames()))
		}
		cmd.Print(text)
		return nil
	},
}

func init() {
	promptsInstallCmd.Flags().String("dir", "", "directory to write templates into")
	promptsInstallCmd.Flags().Bool("force", false, "overwrite existing templates")
	promptsCmd.AddCommand(promptsInstallCmd)
	promptsCmd.AddCommand(promptsShowCmd)
}
