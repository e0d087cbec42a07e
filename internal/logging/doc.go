// Package logging provides file-based JSON logging with size-based rotation
// for the chunkyindex engine. Setup writes to Config.FilePath and, when
// WriteToStderr is set, to stderr as well. orchestrator.New calls it with
// <dataDir>/logs/engine.log at info level, so an engine always logs to
// that file; DefaultLogPath names ~/.chunkyindex/logs/engine.log.
package logging
