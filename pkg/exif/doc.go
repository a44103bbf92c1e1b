// Package exif embeds capture metadata into downloaded JPEG bytes.
//
// Inject is a pure transform: it takes the bytes as fetched plus the
// image's descriptor and returns new bytes carrying GPS position,
// altitude, compass bearing, camera make and model, capture time and
// dimensions as EXIF tags. Panoramas additionally receive a GPano XMP
// packet so viewers recognise the equirectangular projection.
//
// ReadBack and ReadXMP decode what Inject wrote and exist mainly for
// verification.
package exif
