package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuality(t *testing.T) {
	for _, s := range []string{"256", "1024", "2048", "original", " Original "} {
		q, err := ParseQuality(s)
		require.NoError(t, err, s)
		assert.NotEmpty(t, q)
	}

	_, err := ParseQuality("4096")
	assert.Error(t, err)

	assert.Equal(t, "thumb_original_url", QualityOriginal.URLField())
	assert.Equal(t, "thumb_1024_url", Quality1024.URLField())
}

func TestParseBBox(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		b, err := ParseBBox("-0.5, 51.2, 0.3, 51.7")
		require.NoError(t, err)
		assert.Equal(t, -0.5, b.West)
		assert.Equal(t, 51.2, b.South)
		assert.Equal(t, 0.3, b.East)
		assert.Equal(t, 51.7, b.North)
		assert.Equal(t, "-0.5,51.2,0.3,51.7", b.String())
	})

	tests := []struct {
		name  string
		input string
	}{
		{"too few parts", "1,2,3"},
		{"not a number", "a,1,2,3"},
		{"west after east", "10,0,5,1"},
		{"south after north", "0,10,1,5"},
		{"out of range", "-200,0,10,10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBBox(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestBBoxContains(t *testing.T) {
	b := &BBox{West: -1, South: 51, East: 1, North: 52}

	assert.True(t, b.Contains(Point{Lat: 51.5, Lon: -0.1}))
	assert.True(t, b.Contains(Point{Lat: 51, Lon: -1}), "edges are inclusive")
	assert.False(t, b.Contains(Point{Lat: 50.9, Lon: 0}))
	assert.False(t, b.Contains(Point{Lat: 51.5, Lon: 1.01}))
}

func TestDescriptorURL(t *testing.T) {
	d := ImageDescriptor{
		ID:   "1",
		URLs: map[Quality]string{QualityOriginal: "https://x/1.jpg", Quality256: ""},
	}

	u, ok := d.URL(QualityOriginal)
	assert.True(t, ok)
	assert.Equal(t, "https://x/1.jpg", u)

	_, ok = d.URL(Quality256)
	assert.False(t, ok)
	_, ok = d.URL(Quality2048)
	assert.False(t, ok)
}
