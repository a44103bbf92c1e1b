package ui

import (
	"fmt"
	"io"

	"mapillary-downloader/pkg/exporter"
)

// maxListedFailures caps the failures printed individually
const maxListedFailures = 20

// PrintSummary writes the end-of-run report
func PrintSummary(w io.Writer, s *exporter.Summary) {
	if w == nil {
		w = Output
	}

	mark := Green("✓")
	if !s.OK() {
		mark = Yellow("⚠")
	}
	fmt.Fprintf(w, "\n%s Export of @%s finished in %s\n", mark, s.Username, FormatDuration(s.Duration))

	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %-22s %s\n", Dim("•"), label, value)
	}
	row("Sequences", fmt.Sprintf("%s (%s complete, %s incomplete)",
		FormatCount(s.Sequences), FormatCount(s.SequencesComplete), FormatCount(s.SequencesIncomplete)))
	row("Images", FormatCount(s.Images))
	row("Downloaded", fmt.Sprintf("%s (%s)", Green(FormatCount(s.Downloaded)), FormatSize(s.Bytes)))
	row("Already downloaded", FormatCount(s.AlreadyDownloaded+s.Skipped))
	if s.Failed > 0 {
		row("Failed", Red(FormatCount(s.Failed)))
	} else {
		row("Failed", "0")
	}
	if s.Cancelled > 0 {
		row("Not attempted", Yellow(FormatCount(s.Cancelled)))
	}
	if s.PostProcessed > 0 || len(s.PostProcessErrors) > 0 {
		row("Post-processed", fmt.Sprintf("%s sequences, %s errors",
			FormatCount(s.PostProcessed), FormatCount(len(s.PostProcessErrors))))
	}

	for i, f := range s.Failures {
		if i == maxListedFailures {
			fmt.Fprintf(w, "    %s\n", Dim(fmt.Sprintf("... and %d more", len(s.Failures)-i)))
			break
		}
		fmt.Fprintf(w, "    %s %s/%s: %s\n", Red("✗"), f.SequenceID, f.ImageID, f.Reason)
	}
	for _, err := range s.PostProcessErrors {
		fmt.Fprintf(w, "    %s %v\n", Yellow("✗"), err)
	}

	if s.Interrupted {
		fmt.Fprintf(w, "\n%s\n", Yellow("Interrupted. Run the same command again to resume."))
	} else if s.Failed > 0 {
		fmt.Fprintf(w, "\n%s\n", Dim("Failed images are retried on the next run."))
	}
}
