/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := execRootCmd(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execRootCmd(args []string) error {
	rootCmd := &cobra.Command{
		Use:     "odatabatch-lint",
		Short:   "inspect and validate OData v4 batch payloads",
		Version: version,
	}
	rootCmd.SetArgs(args[1:])
	rootCmd.AddCommand(newCheckCmd(), newServeCmd())
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}
