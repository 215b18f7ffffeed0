package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BuildDetails returns the build details set via ldflags
func BuildDetails() string {
	if version == "" {
		return "HAQuery (unknown version)"
	}
	return fmt.Sprintf("HAQuery %s (%s, %s)", version, commit, date)
}

// versionCmd is the cobra CLI command for the version subcommand
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(BuildDetails())
		},
	}
}
