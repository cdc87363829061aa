// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dusted-go/logging/prettylog"
)

// InitSlog sets the global slog logger. logFormat picks the handler
// (text/json for deployments, pretty for terminals, discard for
// tests), level sets the shared level var that SetLogLevel can change
// at runtime.
func InitSlog(level string, logFormat string) error {
	logLevel = new(slog.LevelVar)
	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	switch logFormat {
	case LogText:
		h = slog.NewTextHandler(os.Stdout, opts)
	case LogJSON:
		h = slog.NewJSONHandler(os.Stdout, opts)
	case LogPretty:
		h = prettylog.NewHandler(opts)
	case LogDiscard:
		h = slog.NewTextHandler(io.Discard, opts)
	default:
		return fmt.Errorf("logFormat %q not known", logFormat)
	}
	slog.SetDefault(slog.New(h))
	return SetLogLevel(level)
}
