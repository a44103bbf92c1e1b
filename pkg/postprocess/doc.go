// Package postprocess runs the optional steps applied to a sequence once
// all of its images are resolved: recompression to WebP with cwebp and
// bundling the directory into a tar archive.
//
// Both tools sit behind narrow interfaces (Converter, Archiver) so the
// orchestration can be exercised with fakes. Archives never overwrite an
// existing file: PublishArchive hard-links the verified archive to the
// first free name among <seq>.tar, <seq>.2.tar, <seq>.3.tar and so on.
package postprocess
