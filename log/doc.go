// Package log provides the leveled, printf-style logging used across chatgraph.
//
// Components accept a Logger through their options and fall back to the
// package-level logger via OrDefault. The package-level logger is backed by
// kataras/golog; DefaultLogger (standard library) and NoOpLogger are available
// for embedding and tests.
//
//	logger := log.NewGologLoggerWithLevel(log.LogLevelDebug)
//	logger.Info("stream started thread=%s", threadID)
//
// Levels, in increasing severity: LogLevelDebug, LogLevelInfo, LogLevelWarn,
// LogLevelError and LogLevelNone. ParseLevel maps configuration strings to
// a LogLevel.
package log
