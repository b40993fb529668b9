// Package log provides the logging conventions shared by the rest of
// Whisker: zap-backed sugared loggers plus a helper for the fatal error
// classes from the error handling design.
package log

import (
	"os"

	"go.uber.org/zap"
)

// New builds the production logger used by cmd/server. It logs JSON to
// stderr at info level and above.
func New() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		// Logging itself failed to initialize; there is nothing left to log
		// through, so report to stderr directly and abort.
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger.Sugar()
}

// NewTest builds a development logger suitable for tests and command
// line tools, with human-readable console output.
func NewTest() *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// Fatal logs msg at fatal level and terminates the process. Use this
// for class 1 (programmer/contract violation) and class 2 (required
// startup I/O failure) errors from the error handling design; both are
// non-recoverable by definition.
func Fatal(logger *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	logger.Fatalw(msg, keysAndValues...)
}
