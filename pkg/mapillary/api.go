package mapillary

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mapillary-downloader/pkg/models"
)

// DefaultBaseURL is the Graph API root
const DefaultBaseURL = "https://graph.mapillary.com"

// MaxPageLimit is the largest page size the images endpoint accepts
const MaxPageLimit = 2000

// metadataFields are requested for every image alongside the URL field of
// the chosen quality
var metadataFields = []string{
	"id",
	"captured_at",
	"compass_angle",
	"computed_compass_angle",
	"geometry",
	"computed_geometry",
	"altitude",
	"computed_altitude",
	"is_pano",
	"sequence",
	"camera_type",
	"camera_parameters",
	"make",
	"model",
	"exif_orientation",
	"computed_rotation",
	"height",
	"width",
}

// Fields returns the comma separated field list for a quality
func Fields(q models.Quality) string {
	fields := make([]string, 0, len(metadataFields)+1)
	fields = append(fields, metadataFields...)
	fields = append(fields, q.URLField())
	return strings.Join(fields, ",")
}

type geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func (g *geometry) point() (*models.Point, bool) {
	if g == nil || len(g.Coordinates) < 2 {
		return nil, false
	}
	// GeoJSON order is lon, lat
	return &models.Point{Lon: g.Coordinates[0], Lat: g.Coordinates[1]}, true
}

// apiImage mirrors one element of the images endpoint's data array
type apiImage struct {
	ID                   string    `json:"id"`
	Sequence             string    `json:"sequence"`
	CapturedAt           int64     `json:"captured_at"`
	CompassAngle         *float64  `json:"compass_angle"`
	ComputedCompassAngle *float64  `json:"computed_compass_angle"`
	Geometry             *geometry `json:"geometry"`
	ComputedGeometry     *geometry `json:"computed_geometry"`
	Altitude             *float64  `json:"altitude"`
	ComputedAltitude     *float64  `json:"computed_altitude"`
	IsPano               bool      `json:"is_pano"`
	Make                 string    `json:"make"`
	Model                string    `json:"model"`
	ExifOrientation      int       `json:"exif_orientation"`
	Width                int       `json:"width"`
	Height               int       `json:"height"`

	Thumb256      string `json:"thumb_256_url"`
	Thumb1024     string `json:"thumb_1024_url"`
	Thumb2048     string `json:"thumb_2048_url"`
	ThumbOriginal string `json:"thumb_original_url"`
}

// imagesPage is one page of the images endpoint
type imagesPage struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// apiError is the Graph API error envelope
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// toDescriptor converts a raw record. Computed values win over the
// device-reported ones when both are present.
func toDescriptor(raw json.RawMessage) (models.ImageDescriptor, error) {
	var img apiImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("decoding image record: %w", err)
	}
	if img.ID == "" {
		return models.ImageDescriptor{}, fmt.Errorf("image record without id")
	}

	d := models.ImageDescriptor{
		ID:          img.ID,
		SequenceID:  img.Sequence,
		URLs:        make(map[models.Quality]string),
		Make:        strings.TrimSpace(img.Make),
		Model:       strings.TrimSpace(img.Model),
		Width:       img.Width,
		Height:      img.Height,
		Orientation: img.ExifOrientation,
		IsPano:      img.IsPano,
		Raw:         raw,
	}

	for q, u := range map[models.Quality]string{
		models.Quality256:      img.Thumb256,
		models.Quality1024:     img.Thumb1024,
		models.Quality2048:     img.Thumb2048,
		models.QualityOriginal: img.ThumbOriginal,
	} {
		if u != "" {
			d.URLs[q] = u
		}
	}

	if p, ok := img.ComputedGeometry.point(); ok {
		d.Location = p
	} else if p, ok := img.Geometry.point(); ok {
		d.Location = p
	}

	d.Altitude = firstNonNil(img.ComputedAltitude, img.Altitude)
	d.Bearing = firstNonNil(img.ComputedCompassAngle, img.CompassAngle)

	if img.CapturedAt > 0 {
		d.CapturedAt = time.UnixMilli(img.CapturedAt).UTC()
	}

	return d, nil
}

func firstNonNil(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
