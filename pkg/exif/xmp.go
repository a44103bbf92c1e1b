package exif

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"mapillary-downloader/pkg/models"
)

// xmpNamespace prefixes the payload of an APP1 segment carrying XMP
const xmpNamespace = "http://ns.adobe.com/xap/1.0/\x00"

const (
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1
	markerAPPF = 0xEF

	maxSegmentPayload = 0xFFFF - 2
)

// BuildXMPPacket renders the GPano packet for an equirectangular panorama.
// The whole frame is the full panorama, so the cropped area equals it.
func BuildXMPPacket(d models.ImageDescriptor) string {
	attrs := [][2]string{
		{"ProjectionType", "equirectangular"},
		{"UsePanoramaViewer", "True"},
		{"FullPanoWidthPixels", strconv.Itoa(d.Width)},
		{"FullPanoHeightPixels", strconv.Itoa(d.Height)},
		{"CroppedAreaImageWidthPixels", strconv.Itoa(d.Width)},
		{"CroppedAreaImageHeightPixels", strconv.Itoa(d.Height)},
		{"CroppedAreaLeftPixels", "0"},
		{"CroppedAreaTopPixels", "0"},
	}
	if d.Bearing != nil {
		attrs = append(attrs, [2]string{"PoseHeadingDegrees", strconv.FormatFloat(normalizeBearing(*d.Bearing), 'f', -1, 64)})
	}

	var b strings.Builder
	b.WriteString(`<?xpacket begin="` + "\uFEFF" + `" id="W5M0MpCehiHzreSzNTczkc9d"?>` + "\n")
	b.WriteString(`<x:xmpmeta xmlns:x="adobe:ns:meta/">` + "\n")
	b.WriteString(` <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` + "\n")
	b.WriteString(`  <rdf:Description rdf:about=""` + "\n")
	b.WriteString(`    xmlns:GPano="http://ns.google.com/photos/1.0/panorama/"`)
	for _, a := range attrs {
		fmt.Fprintf(&b, "\n    GPano:%s=\"%s\"", a[0], a[1])
	}
	b.WriteString("/>\n")
	b.WriteString(" </rdf:RDF>\n")
	b.WriteString("</x:xmpmeta>\n")
	b.WriteString(`<?xpacket end="w"?>`)
	return b.String()
}

// insertXMP places packet in an APP1 segment after the leading APPn
// segments, replacing any XMP segment already there
func insertXMP(data []byte, packet string) ([]byte, error) {
	payload := append([]byte(xmpNamespace), packet...)
	if len(payload) > maxSegmentPayload {
		return nil, fmt.Errorf("XMP packet too large: %d bytes", len(payload))
	}

	var out bytes.Buffer
	out.Grow(len(data) + len(payload) + 4)
	out.Write(data[:2])

	pos := 2
	for pos+4 <= len(data) && data[pos] == 0xFF && data[pos+1] >= markerAPP0 && data[pos+1] <= markerAPPF {
		segLen := int(binary.BigEndian.Uint16(data[pos+2:]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(data) {
			return nil, fmt.Errorf("truncated APP%d segment at offset %d", data[pos+1]-markerAPP0, pos)
		}
		if !isXMPSegment(data[pos:end]) {
			out.Write(data[pos:end])
		}
		pos = end
	}

	out.Write([]byte{0xFF, markerAPP1})
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(payload)+2))
	out.Write(size[:])
	out.Write(payload)
	out.Write(data[pos:])
	return out.Bytes(), nil
}

func isXMPSegment(seg []byte) bool {
	return seg[1] == markerAPP1 && bytes.HasPrefix(seg[4:], []byte(xmpNamespace))
}

// ReadXMP returns the XMP packet embedded in a JPEG, if any
func ReadXMP(data []byte) (string, bool) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return "", false
	}
	pos := 2
	for pos+4 <= len(data) && data[pos] == 0xFF && data[pos+1] >= markerAPP0 && data[pos+1] <= markerAPPF {
		end := pos + 2 + int(binary.BigEndian.Uint16(data[pos+2:]))
		if end > len(data) {
			return "", false
		}
		if isXMPSegment(data[pos:end]) {
			return string(data[pos+4+len(xmpNamespace) : end]), true
		}
		pos = end
	}
	return "", false
}
