package logging

import (
	"log/slog"
)

// SetupMCPMode initializes logging for the MCP server and installs it as
// the default logger.
//
// stdout is reserved for JSON-RPC frames and the client may surface stderr
// as errors, so records go to the log file only.
func SetupMCPMode(level, path string) (func(), error) {
	cfg := DefaultConfig()
	cfg.Level = level
	if path != "" {
		cfg.FilePath = path
	}
	cfg.WriteToStderr = false

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	slog.Info("MCP mode logging initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
