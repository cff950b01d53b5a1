// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Shared helpers for handler tests

package handlers

import (
	"io"
	"log/slog"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
