// validate.go: Configuration check without writing records
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"time"

	"github.com/agilira/mneme"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration and print the resolved file names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := mneme.LoadConfigFile(path)
			if err != nil {
				return err
			}
			active, archive, err := resolveNames(cfg, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:  %s\n", path)
			fmt.Fprintf(out, "active:  %s\n", active)
			fmt.Fprintf(out, "archive: %s\n", archive)
			fmt.Fprintf(out, "policy:  %v\n", cfg.Policy)
			return nil
		},
	}
}

// resolveNames renders the active name and the first archive name without
// touching the file system.
func resolveNames(cfg mneme.Config, now time.Time) (active, archive string, err error) {
	if !cfg.LocalTime {
		now = now.UTC()
	}
	bind := func(text string) (*mneme.Pattern, error) {
		p, err := mneme.ParsePattern(text)
		if err != nil {
			return nil, err
		}
		return p.Bind(cfg.Vars)
	}
	if cfg.FilePattern == "" {
		return "", "", fmt.Errorf("%w: file_pattern is required", mneme.ErrConfiguration)
	}
	ap, err := bind(cfg.FilePattern)
	if err != nil {
		return "", "", err
	}
	archive = ap.Format(mneme.FormatContext{Time: now, Index: 1})
	if cfg.FileName == "" {
		return "(direct write) " + archive, archive, nil
	}
	fp, err := bind(cfg.FileName)
	if err != nil {
		return "", "", err
	}
	if fp.HasIndex() {
		return "", "", fmt.Errorf("%w: %%i is only valid in file_pattern", mneme.ErrMalformedPattern)
	}
	return fp.Format(mneme.FormatContext{Time: now}), archive, nil
}
