// root.go: Command tree
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mneme",
		Short: "Rolling file appender",
		Long: `mneme appends lines from standard input to a rolling log file.
Rollover, compression and retention are described by a YAML or JSON
configuration file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "mneme.yaml", "configuration file")

	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}
