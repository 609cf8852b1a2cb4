package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/xphotos/xphotos/pkg/protocol"
)

// maxRequestBody caps the JSON body of a download request.
const maxRequestBody = 1 << 20

// gateError is a request rejected before any storage work starts.
type gateError struct {
	status  int
	message string
}

func (e *gateError) Error() string { return e.message }

func badRequest(format string, args ...any) *gateError {
	return &gateError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// parseImageIDs reads and validates the imageIds of a download request.
func (s *Server) parseImageIDs(w http.ResponseWriter, r *http.Request) ([]string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("Request body is too large")
		}
		return nil, badRequest("Could not read request body")
	}

	var req protocol.DownloadImagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequest("Request body must be a JSON object")
	}

	raw := bytes.TrimSpace(req.ImageIDs)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, badRequest("imageIds is required")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, badRequest("imageIds must be a list")
	}
	// The limit applies to the list as sent, repeats included.
	if len(elems) > s.config.MaxImagesPerDownload {
		return nil, s.checkCount(len(elems))
	}

	ids := make([]string, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, elem := range elems {
		id, err := normalizeID(elem)
		if err != nil {
			return nil, badRequest("imageIds[%d]: %v", i, err)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if err := s.checkCount(len(ids)); err != nil {
		return nil, err
	}
	return ids, nil
}

// normalizeID accepts a JSON string or integer id.
func normalizeID(elem json.RawMessage) (string, error) {
	elem = bytes.TrimSpace(elem)
	if len(elem) == 0 {
		return "", errors.New("empty id")
	}

	switch elem[0] {
	case '"':
		var id string
		if err := json.Unmarshal(elem, &id); err != nil {
			return "", errors.New("invalid string id")
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return "", errors.New("empty id")
		}
		return id, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseInt(string(elem), 10, 64)
		if err != nil {
			return "", errors.New("id must be a whole number")
		}
		return strconv.FormatInt(n, 10), nil
	default:
		return "", errors.New("id must be a string or an integer")
	}
}

func (s *Server) checkCount(n int) error {
	if n == 0 {
		return badRequest("No images were requested")
	}
	if limit := s.config.MaxImagesPerDownload; n > limit {
		return badRequest("Too many images requested: a download may contain at most %d images", limit)
	}
	return nil
}

// keepExif reads the keepExif query flag. Anything but a true value keeps
// GPS-tagged images out of the archive.
func keepExif(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("keepExif"))
	return err == nil && v
}
