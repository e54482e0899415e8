package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagLogFile   string
	flagLogLevels []string
	flagFormat    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "codeintel",
	Short:         "Code intelligence engine",
	Long:          "codeintel scans source files into scope trees and answers completion, calltip and definition queries for an editor over a framed JSON protocol.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "log to this file (default: stderr when it is a terminal, else <database-dir>/codeintel.log)")
	rootCmd.PersistentFlags().StringArrayVar(&flagLogLevels, "log-level", nil, "log level, or component:level; repeatable")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format for scan: json|yaml|text")

	rootCmd.AddCommand(oopCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(outlineCmd)
}
