// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
	sessionID string
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Client for the Driftboard operation log service",
	Long: `opsctl talks to the oplog service over HTTP: record operations,
walk undo/redo stacks, inspect histories, and run gated tools.`,
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("OPLOG_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:12220"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL,
		"Base URL of the oplog service")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("OPLOG_TOKEN"),
		"Bearer token (empty works against NopAuthProvider)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "",
		"Session ID for stack-scoped commands")
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// callAPI performs one JSON request against the service and decodes
// the response body into out (when out is non-nil).
func callAPI(method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// printJSON pretty-prints an API payload to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func requireSession() error {
	if sessionID == "" {
		return fmt.Errorf("--session is required")
	}
	return nil
}
