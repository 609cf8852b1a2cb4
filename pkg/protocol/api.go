// Package protocol defines the API request/response types.
package protocol

import "encoding/json"

// DownloadImagesRequest is the body for POST /download/images.
// ImageIDs is kept raw so the request gate can report malformed
// shapes (missing, not a list, bad element types) precisely.
type DownloadImagesRequest struct {
	ImageIDs json.RawMessage `json:"imageIds"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ArchiveFilename is the attachment name of every archive download.
const ArchiveFilename = "xphotos_download.zip"

// SummaryFilename is the trailing manifest entry listing failed images.
const SummaryFilename = "download_summary.txt"
