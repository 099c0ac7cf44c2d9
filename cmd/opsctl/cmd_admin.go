// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var truncateUptoSeq uint64

func init() {
	truncateCmd.Flags().Uint64Var(&truncateUptoSeq, "upto-seq", 0,
		"Delete operations with sequence numbers at or below this")
	_ = truncateCmd.MarkFlagRequired("upto-seq")

	adminCmd.AddCommand(truncateCmd)
	rootCmd.AddCommand(adminCmd)
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Retention and maintenance operations",
}

var truncateCmd = &cobra.Command{
	Use:   "truncate",
	Short: "Delete old operations from the caller's log",
	Long: `truncate permanently deletes operations with sequence numbers at or
below --upto-seq. Deleted operations drop off undo stacks; they cannot
be restored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if truncateUptoSeq == 0 {
			return fmt.Errorf("--upto-seq must be greater than zero")
		}
		var res map[string]any
		err := callAPI(http.MethodPost, "/v1/admin/operations/truncate",
			map[string]any{"upto_seq": truncateUptoSeq}, &res)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}
