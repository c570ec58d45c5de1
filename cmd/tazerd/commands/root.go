// Package commands implements tazerd's CLI, grounded on the teacher's
// cmd/dittofs/commands cobra layout.
package commands

import "github.com/spf13/cobra"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tazerd",
	Short: "tazerd - the tazer block-cache server",
	Long: `tazerd serves blocks of registered files to tazer clients through a
multi-tier bounded cache: memory, shared memory, and filelock tiers in
front of local disk, with on-demand LZ4 compression over the wire.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tazer/config.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
