// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxSink mirrors usage rows into InfluxDB for dashboards.
//
// # Description
//
// Uses the client's non-blocking write API: points are batched and
// flushed in the background, and write errors surface on a channel that
// this sink drains into warning logs. Nothing here can fail a request.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI influxapi.WriteAPI
	logger   *slog.Logger
}

// NewInfluxSink connects the sink. Connection problems show up on the
// error channel at write time rather than here, which is the tradeoff
// of the async API.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	s := &InfluxSink{client: client, writeAPI: writeAPI, logger: logger}
	go s.drainErrors()

	logger.Info("Usage analytics sink enabled", "url", url, "org", org, "bucket", bucket)
	return s
}

// Write implements Sink.
func (s *InfluxSink) Write(e Entry, cost float64) {
	point := influxdb2.NewPoint(
		"gateway_usage",
		map[string]string{
			"tenant_id": e.TenantID,
			"model":     e.Model,
		},
		map[string]interface{}{
			"input_tokens":     e.InputTokens,
			"output_tokens":    e.OutputTokens,
			"knowledge_tokens": e.KnowledgeTokens,
			"cost":             cost,
		},
		time.Now().UTC(),
	)
	s.writeAPI.WritePoint(point)
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

func (s *InfluxSink) drainErrors() {
	for err := range s.writeAPI.Errors() {
		s.logger.Warn("Usage sink write failed", "error", err)
	}
}
