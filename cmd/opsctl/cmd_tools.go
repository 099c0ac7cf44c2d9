// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var (
	toolInput      string
	toolProducerID string
)

func init() {
	toolsExecuteCmd.Flags().StringVar(&toolInput, "input", "{}", "Tool input JSON (or @file)")
	toolsExecuteCmd.Flags().StringVar(&toolProducerID, "producer", "", "AI producer/conversation ID")

	toolsCmd.AddCommand(toolsExecuteCmd)
	rootCmd.AddCommand(toolsCmd)
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Gated tool execution",
}

var toolsExecuteCmd = &cobra.Command{
	Use:   "execute <tool-name>",
	Short: "Run a tool through the security gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(); err != nil {
			return err
		}
		input, err := snapshotArg(toolInput)
		if err != nil {
			return err
		}

		body := map[string]any{
			"session_id": sessionID,
			"tool_name":  args[0],
		}
		if input != nil {
			body["input"] = input
		}
		if toolProducerID != "" {
			body["producer_id"] = toolProducerID
		}

		var res map[string]any
		if err := callAPI(http.MethodPost, "/v1/tools/execute", body, &res); err != nil {
			return err
		}
		return printJSON(res)
	},
}
