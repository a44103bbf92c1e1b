package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Quality is the resolution variant of a remote image
type Quality string

const (
	Quality256      Quality = "256"
	Quality1024     Quality = "1024"
	Quality2048     Quality = "2048"
	QualityOriginal Quality = "original"
)

// Qualities lists every supported quality in ascending resolution
var Qualities = []Quality{Quality256, Quality1024, Quality2048, QualityOriginal}

// ParseQuality validates a quality string
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Qualities {
		if q == known {
			return q, nil
		}
	}
	return "", fmt.Errorf("invalid quality %q: must be one of 256, 1024, 2048, original", s)
}

// URLField returns the API field carrying the download URL for this quality
func (q Quality) URLField() string {
	return "thumb_" + string(q) + "_url"
}

// Point is a WGS84 coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ImageDescriptor identifies one remote image prior to download.
// It is never mutated after the enumerator produces it.
type ImageDescriptor struct {
	ID         string             `json:"id"`
	SequenceID string             `json:"sequence"`
	URLs       map[Quality]string `json:"urls"`

	Location    *Point    `json:"location,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	Bearing     *float64  `json:"bearing,omitempty"`
	Make        string    `json:"make,omitempty"`
	Model       string    `json:"model,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Orientation int       `json:"orientation,omitempty"`
	IsPano      bool      `json:"is_pano,omitempty"`

	// Raw is the API record as received, kept for the metadata log
	Raw json.RawMessage `json:"-"`
}

// URL returns the download URL for the requested quality
func (d *ImageDescriptor) URL(q Quality) (string, bool) {
	u, ok := d.URLs[q]
	return u, ok && u != ""
}

// Sequence groups the images captured together in one drive or walk
type Sequence struct {
	ID     string
	Images []ImageDescriptor
}

// ImageIDs returns the ids of the sequence's images in encounter order
func (s *Sequence) ImageIDs() []string {
	ids := make([]string, len(s.Images))
	for i := range s.Images {
		ids[i] = s.Images[i].ID
	}
	return ids
}

// ImageStatus is the persisted state of a single image
type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusDownloaded ImageStatus = "downloaded"
	StatusFailed     ImageStatus = "failed"
)

// BBox is a geographic bounding box in degrees
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// ParseBBox parses "west,south,east,north"
func ParseBBox(s string) (*BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid bbox %q: expected west,south,east,north", s)
	}

	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid bbox %q: %q is not a number", s, p)
		}
		vals[i] = v
	}

	b := &BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks ranges and ordering
func (b *BBox) Validate() error {
	if b.West < -180 || b.East > 180 || b.South < -90 || b.North > 90 {
		return fmt.Errorf("invalid bbox %s: coordinates out of range", b)
	}
	if b.West >= b.East || b.South >= b.North {
		return fmt.Errorf("invalid bbox %s: west must be < east and south < north", b)
	}
	return nil
}

// Contains reports whether the point lies inside the box, edges included
func (b *BBox) Contains(p Point) bool {
	return p.Lon >= b.West && p.Lon <= b.East && p.Lat >= b.South && p.Lat <= b.North
}

func (b *BBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.West, 'f', -1, 64),
		strconv.FormatFloat(b.South, 'f', -1, 64),
		strconv.FormatFloat(b.East, 'f', -1, 64),
		strconv.FormatFloat(b.North, 'f', -1, 64),
	}, ",")
}
