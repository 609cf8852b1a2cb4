package gallery

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExifData holds the EXIF fields the archive server cares about.
type ExifData struct {
	CameraMake  string
	CameraModel string
	DateTaken   *time.Time
	Latitude    *float64
	Longitude   *float64
	Orientation int

	// GPSTagged is set when GPS coordinate tags exist but could not be
	// decoded into a latitude/longitude pair.
	GPSTagged bool
}

// HasGPS reports whether the metadata carries any location information.
func (d *ExifData) HasGPS() bool {
	if d == nil {
		return false
	}
	return d.Latitude != nil || d.Longitude != nil || d.GPSTagged
}

// ExtractExif reads EXIF data from an image reader.
// Images without EXIF yield an empty ExifData, not an error.
func ExtractExif(r io.Reader) (d *ExifData, err error) {
	d = &ExifData{Orientation: 1}

	// goexif can panic on corrupt IFD offsets.
	defer func() {
		if p := recover(); p != nil {
			d, err = &ExifData{Orientation: 1}, fmt.Errorf("decode exif: %v", p)
		}
	}()

	x, decErr := exif.Decode(r)
	if decErr != nil && x == nil {
		return d, nil
	}

	d.CameraMake = getTagString(x, exif.Make)
	d.CameraModel = getTagString(x, exif.Model)

	if dt, err := x.DateTime(); err == nil {
		d.DateTaken = &dt
	}

	if lat, lon, err := x.LatLong(); err == nil {
		if !math.IsNaN(lat) && !math.IsNaN(lon) {
			d.Latitude = &lat
			d.Longitude = &lon
		}
	}
	if d.Latitude == nil {
		_, latErr := x.Get(exif.GPSLatitude)
		_, lonErr := x.Get(exif.GPSLongitude)
		d.GPSTagged = latErr == nil || lonErr == nil
	}

	if orient, err := x.Get(exif.Orientation); err == nil {
		if v, err := orient.Int(0); err == nil && v >= 1 && v <= 8 {
			d.Orientation = v
		}
	}

	return d, nil
}

// getTagString extracts a string value from an EXIF tag.
func getTagString(x *exif.Exif, f exif.FieldName) string {
	tag, err := x.Get(f)
	if err != nil {
		return ""
	}
	if tag.Format() == tiff.StringVal {
		s, _ := tag.StringVal()
		return strings.TrimRight(s, "\x00 ")
	}
	return tag.String()
}

// ParseExifSummary decodes the EXIF summary stored alongside an image
// (a JSON object). Key matching is case-insensitive and accepts the common
// spellings of the GPS fields. An empty or null summary yields nil.
func ParseExifSummary(raw []byte) (*ExifData, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return nil, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse exif summary: %w", err)
	}

	d := &ExifData{Orientation: 1}
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "make", "cameramake":
			d.CameraMake, _ = v.(string)
		case "model", "cameramodel":
			d.CameraModel, _ = v.(string)
		case "latitude", "lat", "gpslatitude":
			d.Latitude = coordinate(v)
		case "longitude", "lon", "lng", "gpslongitude":
			d.Longitude = coordinate(v)
		case "orientation":
			if f, ok := v.(float64); ok && f >= 1 && f <= 8 {
				d.Orientation = int(f)
			}
		}
	}
	return d, nil
}

func coordinate(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		if t == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return &f
		}
		// Unparseable but present still counts as location data.
		nan := math.NaN()
		return &nan
	case []any:
		if len(t) == 0 {
			return nil
		}
		nan := math.NaN()
		return &nan
	}
	return nil
}
