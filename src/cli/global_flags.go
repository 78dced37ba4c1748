package cli

import (
	"github.com/spf13/cobra"

	"instance-transfer/src/config"
	"instance-transfer/src/safety"
)

// addGlobalFlags adds the persistent configuration, logging and safety flags.
func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.String("config", "", "YAML configuration file (default "+config.DefaultFile+" if present)")
	pf.String("env-file", "", "dotenv file with OS_* credentials")
	pf.String("log-level", "<root>=WARNING", "logging config, e.g. <root>=DEBUG;instance-transfer.poll=TRACE")
	pf.Bool("dry-run", false, "Show planned actions without making changes")
	pf.BoolP("yes", "y", false, "Assume 'yes' to prompts and run non-interactively")
}

// getSafetyOptions reads global flags into a safety.Options struct.
func getSafetyOptions(cmd *cobra.Command) safety.Options {
	dry, _ := cmd.Root().PersistentFlags().GetBool("dry-run")
	yes, _ := cmd.Root().PersistentFlags().GetBool("yes")
	return safety.Options{DryRun: dry, Yes: yes}
}

// loadConfig loads the configuration named by the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	file, _ := cmd.Root().PersistentFlags().GetString("config")
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	return config.Load(config.Sources{File: file, EnvFile: envFile})
}
