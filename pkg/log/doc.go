// Package log provides the message-bus structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that routes records through a
// formatter/outputs pipeline, so stdlib consumers and our own code produce
// consistent output.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("bus"))
//	l.Info("server started", log.Str("http", ":4567"))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (level and
// format). To route stdlib log output (e.g. Pebble's) through the same
// pipeline, call RedirectStdLog.
package log
