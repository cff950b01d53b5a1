// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON unmarshals the JSON object a model produced into v. Models
// asked for strict JSON still wrap it in prose or code fences often enough
// that three attempts are needed: the raw text as-is, the first fenced
// block, then the outermost brace span.
func ExtractJSON(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	if fenced := fencedBlock(raw); fenced != "" {
		if err := json.Unmarshal([]byte(fenced), v); err == nil {
			return nil
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no JSON object found in model output")
}

// fencedBlock returns the body of the first ```json (or bare ```) fence.
func fencedBlock(raw string) string {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	for _, marker := range startMarkers {
		start := strings.Index(raw, marker)
		if start == -1 {
			continue
		}
		body := raw[start+len(marker):]
		end := strings.Index(body, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(body[:end])
	}
	return ""
}
