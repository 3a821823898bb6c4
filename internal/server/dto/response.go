package dto

// --- Common Responses ---

// OkResponse is a simple success response.
type OkResponse struct {
	Ok bool `json:"ok"`
}

// HealthResponse reports server health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Migrated bool   `json:"migrated"`
}

// --- Asset Responses ---

// AssetResponse describes one stored background.
type AssetResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	// Created is RFC 3339.
	Created   string `json:"created"`
	CreatedMs int64  `json:"createdMs"`
	SrcURL    string `json:"srcUrl,omitempty"`
	// BlobURL is empty for entries that only reference an external URL.
	BlobURL string `json:"blobUrl,omitempty"`
}

// ListAssetsResponse is the ordered collection, newest first.
type ListAssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

// UploadResponse is returned by the multipart upload endpoint.
type UploadResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Created     string `json:"created"`
}

// BackgroundResponse is the state of the background surface.
type BackgroundResponse struct {
	BackgroundImage string  `json:"backgroundImage"`
	Opacity         float64 `json:"opacity"`
	Transition      string  `json:"transition"`
	Status          string  `json:"status"`
	ObjectURL       string  `json:"objectUrl,omitempty"`
}

// StateResponse is pushed over the event feed.
type StateResponse struct {
	Assets     []AssetResponse    `json:"assets"`
	Background BackgroundResponse `json:"background"`
}

// --- Import Responses ---

// ImportResponse is the outcome of a manifest import.
type ImportResponse struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}
