// Package mapillary lists a creator's images through the Mapillary Graph API
// and fetches image bytes from the CDN.
//
// Client.Images pages through /images lazily, following paging.next, and
// retries each page on transient errors. Enumerator groups the listing into
// sequences, applies the bounding box filter, and only hands out sequences
// once pagination has finished.
//
//	client := mapillary.NewClient(mapillary.Options{Token: token})
//	enum := mapillary.NewEnumerator(client, models.QualityOriginal, 2000, nil)
//	seqs, err := enum.Collect(ctx, "alice", bbox)
package mapillary
