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
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
)

// openStore connects to the gateway's Postgres database for admin
// commands. It does not run migrations: the CLI administers a deployment
// that the gateway itself already migrated.
func openStore() (*knowledge.Store, error) {
	if flagDatabaseURL == "" {
		return nil, fmt.Errorf("a database connection is required: set --database-url or DATABASE_URL")
	}
	db, err := knowledge.Open(flagDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return knowledge.NewStore(db, quiet), nil
}
