// Package logger provides a small leveled logging facade over zap.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each entry is rendered on one line as timestamp, level, optional
// component ID (usually a worker such as "worker-3"), and message.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "run started")
//	logger.Info("worker-1", "connected to %s", addr)
//	logger.Error("worker-1", "reconnect failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("worker-1", "debug message")
//
// # Log Levels
//
// Messages below the configured level are filtered before formatting:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// # Hot Path
//
// Workers never log per request. Per-request failures are folded into the
// failed counter of the statistics aggregator instead.
package logger
