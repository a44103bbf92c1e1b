// Package progress is the durable record of which images have been
// downloaded into an output directory.
//
// The record is a JSON snapshot (progress.json) plus an append-only journal
// (progress.journal). Every mark is appended to the journal and fsynced
// before the call returns; Load and Close fold the journal back into a
// snapshot written with a temp-file rename. A crash at any point therefore
// loses no acknowledged mark.
//
// Status transitions:
//
//	pending -> downloaded   terminal, never re-attempted
//	pending -> failed       retried on the next run
//	failed  -> downloaded
//
// An unparsable record is reported as *errors.CorruptStateError. Discarding
// it is an explicit Reset, which keeps the old files as .corrupt-<timestamp>.
package progress
