package cli

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and CONVEYOR_* environment
overrides are applied, and report any validation problems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, string(data))

		if errs := config.Validate(cfg); len(errs) > 0 {
			fmt.Fprintln(out, "\nProblems:")
			for _, e := range errs {
				fmt.Fprintf(out, "  - %s\n", e)
			}
		}
		return nil
	},
}
