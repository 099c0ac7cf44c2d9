// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	recordType     string
	recordTable    string
	recordTarget   string
	recordPrevious string
	recordNext     string
	recordTitle    string
	historyLimit   int
	historySession string
)

func init() {
	recordCmd.Flags().StringVar(&recordType, "type", "", "Operation type (create|update|delete|move|resize|style_change)")
	recordCmd.Flags().StringVar(&recordTable, "table", "", "Target table")
	recordCmd.Flags().StringVar(&recordTarget, "target", "", "Target ID")
	recordCmd.Flags().StringVar(&recordPrevious, "previous", "", "Previous state JSON (or @file)")
	recordCmd.Flags().StringVar(&recordNext, "next", "", "Next state JSON (or @file)")
	recordCmd.Flags().StringVar(&recordTitle, "title", "", "Human-readable target title")
	_ = recordCmd.MarkFlagRequired("type")
	_ = recordCmd.MarkFlagRequired("table")
	_ = recordCmd.MarkFlagRequired("target")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Max operations to return (0 = all)")
	historyCmd.Flags().StringVar(&historySession, "filter-session", "", "Only operations from this session")

	rootCmd.AddCommand(recordCmd, undoCmd, redoCmd, historyCmd, stacksCmd)
}

// snapshotArg reads a JSON snapshot flag, supporting @file indirection.
func snapshotArg(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read snapshot file: %w", err)
		}
		return json.RawMessage(data), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("snapshot is not valid JSON: %s", raw)
	}
	return json.RawMessage(raw), nil
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an operation into the log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(); err != nil {
			return err
		}
		previous, err := snapshotArg(recordPrevious)
		if err != nil {
			return err
		}
		next, err := snapshotArg(recordNext)
		if err != nil {
			return err
		}

		body := map[string]any{
			"session_id":     sessionID,
			"operation_type": recordType,
			"target_table":   recordTable,
			"target_id":      recordTarget,
		}
		if previous != nil {
			body["previous_state"] = previous
		}
		if next != nil {
			body["next_state"] = next
		}
		if recordTitle != "" {
			body["metadata"] = map[string]any{"target_title": recordTitle}
		}

		var op map[string]any
		if err := callAPI(http.MethodPost, "/v1/operations", body, &op); err != nil {
			return err
		}
		return printJSON(op)
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the session's most recent operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(); err != nil {
			return err
		}
		var res map[string]any
		err := callAPI(http.MethodPost, "/v1/operations/undo",
			map[string]any{"session_id": sessionID}, &res)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Redo the session's most recently undone operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(); err != nil {
			return err
		}
		var res map[string]any
		err := callAPI(http.MethodPost, "/v1/operations/redo",
			map[string]any{"session_id": sessionID}, &res)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the caller's recorded operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		if historySession != "" {
			params.Set("session_id", historySession)
		}
		if historyLimit > 0 {
			params.Set("limit", fmt.Sprint(historyLimit))
		}
		path := "/v1/operations"
		if encoded := params.Encode(); encoded != "" {
			path += "?" + encoded
		}

		var res map[string]any
		if err := callAPI(http.MethodGet, path, nil, &res); err != nil {
			return err
		}
		return printJSON(res)
	},
}

var stacksCmd = &cobra.Command{
	Use:   "stacks",
	Short: "Show the session's undo and redo stacks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(); err != nil {
			return err
		}
		var res map[string]any
		err := callAPI(http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/stacks", nil, &res)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}
