package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanmeadows/vigil/internal/config"
	"github.com/alanmeadows/vigil/internal/logging"
)

var (
	verbose   bool
	appConfig *config.Config

	rootCmd = &cobra.Command{
		Use:   "vigil",
		Short: "PR pipeline watcher and CI status synthesizer",
		Long: `Vigil watches bot-driven pull requests and reduces their workflow runs,
bot comments, and deployment checks into a single pipeline state with a
clear next action.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Setup(verbose)

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		appConfig = cfg
		return nil
	}

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
