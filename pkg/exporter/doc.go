// Package exporter runs a complete export of one creator's images.
//
// A run builds the full work list from the API before downloading anything,
// filters it through the progress record, and drains it with the download
// worker pool. Each sequence is post-processed (converted and archived) as
// soon as its last image is resolved, provided none of its images failed;
// sequences with failures are left for a later run.
//
// Usage:
//
//	cfg, err := config.Load("", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	exp, err := exporter.New(cfg, exporter.WithProgress(display))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	summary, err := exp.Run(ctx)
package exporter
