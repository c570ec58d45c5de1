package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tazerd's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("tazerd %s (%s) built %s\n", Version, Commit, Date)
		return nil
	},
}
