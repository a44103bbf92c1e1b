package exif

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"math"

	goexif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/models"
)

const (
	dateTimeLayout = "2006:01:02 15:04:05"
	gpsDateLayout  = "2006:01:02"

	ifdRoot = "IFD"
	ifdExif = "IFD/Exif"
	ifdGPS  = "IFD/GPSInfo"
)

// tag is one value destined for a given IFD
type tag struct {
	ifd   string
	name  string
	value interface{}
}

// Inject returns a copy of raw with the descriptor's metadata embedded as
// EXIF (and a GPano XMP packet for panoramas). raw is never modified and
// the same input always yields the same output. Fields missing from the
// descriptor are left out rather than written as zero.
func Inject(raw []byte, d models.ImageDescriptor) ([]byte, error) {
	if err := validateJPEG(raw); err != nil {
		return nil, &errs.InjectionError{ImageID: d.ID, Err: err}
	}

	tags := tagsFor(d)
	if len(tags) == 0 && !d.IsPano {
		return bytes.Clone(raw), nil
	}

	out := raw
	if len(tags) > 0 {
		var err error
		out, err = writeTags(raw, tags)
		if err != nil {
			return nil, &errs.InjectionError{ImageID: d.ID, Err: err}
		}
	}

	if d.IsPano {
		withXMP, err := insertXMP(out, BuildXMPPacket(d))
		if err != nil {
			return nil, &errs.InjectionError{ImageID: d.ID, Err: err}
		}
		out = withXMP
	}
	return out, nil
}

func validateJPEG(raw []byte) error {
	if len(raw) < 4 || raw[0] != 0xFF || raw[1] != 0xD8 {
		return fmt.Errorf("not a JPEG image")
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("malformed JPEG: %w", err)
	}
	return nil
}

// tagsFor maps descriptor fields to EXIF tags, skipping absent ones
func tagsFor(d models.ImageDescriptor) []tag {
	var tags []tag
	ifd0 := func(name string, v interface{}) { tags = append(tags, tag{ifdRoot, name, v}) }
	sub := func(name string, v interface{}) { tags = append(tags, tag{ifdExif, name, v}) }
	gps := func(name string, v interface{}) { tags = append(tags, tag{ifdGPS, name, v}) }

	if d.Make != "" {
		ifd0("Make", d.Make)
	}
	if d.Model != "" {
		ifd0("Model", d.Model)
	}
	if d.Width > 0 {
		ifd0("ImageWidth", []uint32{uint32(d.Width)})
		sub("PixelXDimension", []uint32{uint32(d.Width)})
	}
	if d.Height > 0 {
		ifd0("ImageLength", []uint32{uint32(d.Height)})
		sub("PixelYDimension", []uint32{uint32(d.Height)})
	}
	if d.Orientation >= 1 && d.Orientation <= 8 {
		ifd0("Orientation", []uint16{uint16(d.Orientation)})
	}
	if !d.CapturedAt.IsZero() {
		ts := d.CapturedAt.UTC()
		ifd0("DateTime", ts.Format(dateTimeLayout))
		sub("DateTimeOriginal", ts.Format(dateTimeLayout))
	}

	hasGPS := false
	if d.Location != nil {
		hasGPS = true
		latRef, lonRef := "N", "E"
		if d.Location.Lat < 0 {
			latRef = "S"
		}
		if d.Location.Lon < 0 {
			lonRef = "W"
		}
		gps("GPSLatitudeRef", latRef)
		gps("GPSLatitude", toDMS(d.Location.Lat))
		gps("GPSLongitudeRef", lonRef)
		gps("GPSLongitude", toDMS(d.Location.Lon))
	}
	if d.Altitude != nil {
		hasGPS = true
		ref := byte(0)
		if *d.Altitude < 0 {
			ref = 1
		}
		gps("GPSAltitudeRef", []byte{ref})
		gps("GPSAltitude", []exifcommon.Rational{hundredths(math.Abs(*d.Altitude))})
	}
	if d.Bearing != nil {
		hasGPS = true
		gps("GPSImgDirectionRef", "T")
		gps("GPSImgDirection", []exifcommon.Rational{hundredths(normalizeBearing(*d.Bearing))})
	}
	if hasGPS {
		gps("GPSVersionID", []byte{2, 3, 0, 0})
		if !d.CapturedAt.IsZero() {
			ts := d.CapturedAt.UTC()
			gps("GPSDateStamp", ts.Format(gpsDateLayout))
			gps("GPSTimeStamp", []exifcommon.Rational{
				{Numerator: uint32(ts.Hour()), Denominator: 1},
				{Numerator: uint32(ts.Minute()), Denominator: 1},
				{Numerator: uint32(ts.Second()), Denominator: 1},
			})
		}
	}
	return tags
}

// writeTags rebuilds the EXIF block of raw with tags applied on top of
// whatever the image already carried
func writeTags(raw []byte, tags []tag) ([]byte, error) {
	mc, err := jpegstructure.NewJpegMediaParser().ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing JPEG segments: %w", err)
	}
	sl, ok := mc.(*jpegstructure.SegmentList)
	if !ok {
		return nil, fmt.Errorf("unexpected media context %T", mc)
	}

	// an existing block that cannot be parsed is an error, not a blank slate:
	// rewriting it would drop the camera's own tags
	rootIb, err := sl.ConstructExifBuilder()
	if errors.Is(err, goexif.ErrNoExif) {
		rootIb, err = newRootBuilder()
	}
	if err != nil {
		return nil, fmt.Errorf("reading existing EXIF: %w", err)
	}

	for _, t := range tags {
		ib := rootIb
		if t.ifd != ifdRoot {
			ib, err = goexif.GetOrCreateIbFromRootIb(rootIb, t.ifd)
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", t.ifd, err)
			}
		}
		if err := ib.SetStandardWithName(t.name, t.value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", t.name, err)
		}
	}

	if err := sl.SetExif(rootIb); err != nil {
		return nil, fmt.Errorf("storing EXIF: %w", err)
	}

	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func newRootBuilder() (*goexif.IfdBuilder, error) {
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, fmt.Errorf("loading IFD mapping: %w", err)
	}
	ti := goexif.NewTagIndex()
	return goexif.NewIfdBuilder(im, ti, exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder), nil
}

// toDMS encodes an absolute coordinate as degrees, minutes and seconds
// with the seconds kept to hundredths
func toDMS(v float64) []exifcommon.Rational {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutesF := (v - deg) * 60
	minutes := math.Floor(minutesF)
	secs := math.Round((minutesF - minutes) * 60 * 100)

	// rounding can carry into the next minute or degree
	if secs >= 6000 {
		secs -= 6000
		minutes++
	}
	if minutes >= 60 {
		minutes -= 60
		deg++
	}

	return []exifcommon.Rational{
		{Numerator: uint32(deg), Denominator: 1},
		{Numerator: uint32(minutes), Denominator: 1},
		{Numerator: uint32(secs), Denominator: 100},
	}
}

func hundredths(v float64) exifcommon.Rational {
	return exifcommon.Rational{Numerator: uint32(math.Round(v * 100)), Denominator: 100}
}

func normalizeBearing(b float64) float64 {
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	return b
}
