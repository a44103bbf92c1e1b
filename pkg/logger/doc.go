// Package logger provides the structured logging interface used across the
// downloader.
//
// It wraps zerolog. Console output is colored and goes to stderr; when a log
// file is configured, JSON lines are appended to it as well.
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithField("sequence_id", seq.ID)
//	log.InfoWithFields("Sequence archived", map[string]interface{}{
//	    "archive": path,
//	    "files":   n,
//	})
//
// Components take a Logger and fall back to the global one. Tests use
// NewTestLogger to capture and assert on messages.
package logger
