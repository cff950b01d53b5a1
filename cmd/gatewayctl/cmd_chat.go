// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	chatModel       string // model override; empty uses the gateway default
	chatSessionID   string // session id for context retrieval and memory
	chatShowContext string // "ids", "full", or "" to hide context metadata
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// chatCmd is a plain streaming chat client for smoke-testing a gateway.
//
// # Description
//
// Sends one prompt to /v1/chat/completions with stream enabled and prints
// token deltas as they arrive. With --session, repeated invocations share
// retrieved context and feed the memory pipeline like any other client.
//
// # Examples
//
//	gatewayctl chat "What did we decide about the Q3 launch?"
//	gatewayctl chat --session ops-review "Summarize the incident"
//	gatewayctl chat --context ids "Who owns the billing service?"
var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a streaming chat request to the gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model to request (empty = gateway default)")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id for context retrieval and memory capture")
	chatCmd.Flags().StringVar(&chatShowContext, "context", "", "show injected context: 'ids' or 'full'")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runChat(cmd *cobra.Command, args []string) error {
	if flagAPIKey == "" {
		return fmt.Errorf("an API key is required: set --key or GATEWAY_KEY")
	}

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": args[0]}},
		"stream":   true,
	}
	if chatModel != "" {
		body["model"] = chatModel
	}
	if chatSessionID != "" {
		body["session_id"] = chatSessionID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(flagServerURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(cmd.Context(), "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+flagAPIKey)
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream runs as long as the model generates,
	// and the gateway's own idle watchdog closes stuck streams.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope apiErrorEnvelope
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", envelope.Error.Message, envelope.Error.Code, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	return readStream(resp.Body)
}

// readStream consumes the SSE stream, printing token deltas to stdout and
// context/error frames per the flags. Returns an error when the stream
// ends with an error event or without a done event.
func readStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event    string
		sawDone  bool
		streamed bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch event {
		case "context":
			if chatShowContext == "" {
				continue
			}
			var meta datatypes.ContextMetadata
			if err := json.Unmarshal([]byte(data), &meta); err != nil {
				continue
			}
			if chatShowContext == "full" {
				fmt.Fprintln(os.Stderr, render(styleDim, data))
			} else if len(meta.SourceIDs) > 0 {
				fmt.Fprintln(os.Stderr, render(styleDim, "context: "+strings.Join(meta.SourceIDs, ", ")))
			}
		case "chunk":
			var chunk datatypes.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					fmt.Print(choice.Delta.Content)
					streamed = true
				}
			}
		case "done":
			sawDone = true
		case "error":
			if streamed {
				fmt.Println()
			}
			var envelope apiErrorEnvelope
			if json.Unmarshal([]byte(data), &envelope) == nil && envelope.Error.Message != "" {
				return fmt.Errorf("stream failed: %s (%s)", envelope.Error.Message, envelope.Error.Code)
			}
			return fmt.Errorf("stream failed: %s", data)
		}
	}
	if streamed {
		fmt.Println()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if !sawDone {
		return fmt.Errorf("stream ended without completion")
	}
	return nil
}
