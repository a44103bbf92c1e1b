package exif

import (
	"errors"
	"fmt"

	goexif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
)

// Tags is the subset of embedded metadata this package writes, decoded
// back into plain values. Nil pointers and empty strings mean the tag is
// absent from the file.
type Tags struct {
	Latitude         *float64
	Longitude        *float64
	Altitude         *float64
	Bearing          *float64
	Make             string
	Model            string
	DateTime         string
	DateTimeOriginal string
	Orientation      int
	Width            int
	Height           int
}

// ReadBack extracts the tags written by Inject. An image without any EXIF
// block yields an empty Tags and no error.
func ReadBack(data []byte) (*Tags, error) {
	raw, err := goexif.SearchAndExtractExif(data)
	if err != nil {
		if errors.Is(err, goexif.ErrNoExif) {
			return &Tags{}, nil
		}
		return nil, fmt.Errorf("locating EXIF: %w", err)
	}

	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, err
	}
	_, index, err := goexif.Collect(im, goexif.NewTagIndex(), raw)
	if err != nil {
		return nil, fmt.Errorf("decoding EXIF: %w", err)
	}

	t := &Tags{}
	root := index.RootIfd
	t.Make = asciiTag(root, "Make")
	t.Model = asciiTag(root, "Model")
	t.DateTime = asciiTag(root, "DateTime")
	t.Orientation = intTag(root, "Orientation")
	t.Width = intTag(root, "ImageWidth")
	t.Height = intTag(root, "ImageLength")

	if sub, err := root.ChildWithIfdPath(exifcommon.IfdExifStandardIfdIdentity); err == nil {
		t.DateTimeOriginal = asciiTag(sub, "DateTimeOriginal")
	}

	gps, err := root.ChildWithIfdPath(exifcommon.IfdGpsInfoStandardIfdIdentity)
	if err != nil {
		return t, nil
	}

	lat, latOK := dmsTag(gps, "GPSLatitude")
	lon, lonOK := dmsTag(gps, "GPSLongitude")
	if latOK && lonOK {
		if asciiTag(gps, "GPSLatitudeRef") == "S" {
			lat = -lat
		}
		if asciiTag(gps, "GPSLongitudeRef") == "W" {
			lon = -lon
		}
		t.Latitude, t.Longitude = &lat, &lon
	}
	if alt, ok := rationalTag(gps, "GPSAltitude"); ok {
		if ref, ok := firstValue(gps, "GPSAltitudeRef").([]byte); ok && len(ref) > 0 && ref[0] == 1 {
			alt = -alt
		}
		t.Altitude = &alt
	}
	if dir, ok := rationalTag(gps, "GPSImgDirection"); ok {
		t.Bearing = &dir
	}
	return t, nil
}

func firstValue(ifd *goexif.Ifd, name string) interface{} {
	results, err := ifd.FindTagWithName(name)
	if err != nil || len(results) == 0 {
		return nil
	}
	v, err := results[0].Value()
	if err != nil {
		return nil
	}
	return v
}

func asciiTag(ifd *goexif.Ifd, name string) string {
	s, _ := firstValue(ifd, name).(string)
	return s
}

func intTag(ifd *goexif.Ifd, name string) int {
	switch v := firstValue(ifd, name).(type) {
	case []uint16:
		if len(v) > 0 {
			return int(v[0])
		}
	case []uint32:
		if len(v) > 0 {
			return int(v[0])
		}
	}
	return 0
}

func rationalTag(ifd *goexif.Ifd, name string) (float64, bool) {
	rs, ok := firstValue(ifd, name).([]exifcommon.Rational)
	if !ok || len(rs) == 0 || rs[0].Denominator == 0 {
		return 0, false
	}
	return float64(rs[0].Numerator) / float64(rs[0].Denominator), true
}

func dmsTag(ifd *goexif.Ifd, name string) (float64, bool) {
	rs, ok := firstValue(ifd, name).([]exifcommon.Rational)
	if !ok || len(rs) != 3 {
		return 0, false
	}
	var parts [3]float64
	for i, r := range rs {
		if r.Denominator == 0 {
			return 0, false
		}
		parts[i] = float64(r.Numerator) / float64(r.Denominator)
	}
	return parts[0] + parts[1]/60 + parts[2]/3600, true
}
