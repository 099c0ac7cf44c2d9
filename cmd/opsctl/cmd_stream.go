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
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(streamCmd)
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Tail the caller's live operation stream",
	Long: `stream subscribes to the websocket operation feed and prints each
event as a JSON line until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL := strings.TrimRight(serverURL, "/") + "/v1/operations/stream"
		wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
		wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

		header := http.Header{}
		if authToken != "" {
			header.Set("Authorization", "Bearer "+authToken)
		}

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("connect to stream: %w (HTTP %d)", err, resp.StatusCode)
			}
			return fmt.Errorf("connect to stream: %w", err)
		}
		defer conn.Close()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		go func() {
			<-interrupt
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}()

		fmt.Fprintln(os.Stderr, "streaming operations, Ctrl-C to stop")
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("stream closed: %w", err)
			}

			// Compact-print each event on its own line.
			var event map[string]any
			if json.Unmarshal(message, &event) == nil {
				line, _ := json.Marshal(event)
				fmt.Println(string(line))
			} else {
				fmt.Println(string(message))
			}
		}
	},
}
