package gallery

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// ExifPeekBytes is how much of an object is inspected when no stored EXIF
// summary exists. EXIF lives in the APP1 segment, which is capped at 64 KiB.
const ExifPeekBytes = 128 * 1024

// ShouldInclude decides whether an image may be placed in an archive.
// When it may not, reason is a human readable explanation naming the image.
func ShouldInclude(name string, meta *ExifData, keepExif bool) (include bool, reason string) {
	if keepExif || !meta.HasGPS() {
		return true, ""
	}
	return false, fmt.Sprintf("%s was skipped because it contains GPS location data (request keepExif=true to include it)", name)
}

// PeekExif decodes EXIF from the head of body without consuming it. The
// returned reader yields the full object from byte zero and closes body.
func PeekExif(body io.ReadCloser) (*ExifData, io.ReadCloser) {
	br := bufio.NewReaderSize(body, ExifPeekBytes)
	head, _ := br.Peek(ExifPeekBytes)

	meta, err := ExtractExif(bytes.NewReader(head))
	if err != nil {
		meta = nil
	}
	return meta, &peekedReader{Reader: br, closer: body}
}

type peekedReader struct {
	*bufio.Reader
	closer io.Closer
}

func (p *peekedReader) Close() error {
	return p.closer.Close()
}
