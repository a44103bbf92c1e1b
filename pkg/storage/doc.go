// Package storage manages the on-disk layout of an export.
//
// Each sequence gets its own directory under the output directory and
// every image is written atomically: data goes to a hidden temp file in
// the same directory, is synced, and is renamed over the final name. A
// crash therefore leaves either nothing or a complete file, plus at most
// a temp file that RemoveStaleTemps clears on the next run.
//
// Usage:
//
//	manager, err := storage.NewManager("mapillary_data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	path, err := manager.ImagePath(seqID, imageID, ".jpg")
//	if err != nil {
//	    return err
//	}
//	err = manager.WriteAtomic(path, data)
//
// MetadataLog keeps the raw API record of every enumerated image in
// metadata.jsonl, one JSON object per line.
package storage
