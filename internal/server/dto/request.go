package dto

import (
	"net/url"
	"strings"
)

// --- Health ---

// HealthRequest is a request to check server health.
type HealthRequest struct{}

// Validate is a no-op for HealthRequest.
func (r *HealthRequest) Validate() error {
	return nil
}

// --- Assets ---

// ListAssetsRequest is a request to list the stored backgrounds.
type ListAssetsRequest struct{}

// Validate is a no-op for ListAssetsRequest.
func (r *ListAssetsRequest) Validate() error {
	return nil
}

// AssetIDRequest addresses a single asset by id.
type AssetIDRequest struct {
	ID string `path:"id"`
}

// Validate validates the asset id.
func (r *AssetIDRequest) Validate() error {
	if r.ID == "" {
		return MissingField("id")
	}
	if strings.ContainsAny(r.ID, "/\\") || strings.HasPrefix(r.ID, ".") {
		return InvalidField("id", "invalid characters")
	}
	return nil
}

// GetBackgroundRequest is a request for the current surface state.
type GetBackgroundRequest struct{}

// Validate is a no-op for GetBackgroundRequest.
func (r *GetBackgroundRequest) Validate() error {
	return nil
}

// --- Import ---

// ImportRequest is a request to import a remote manifest.
type ImportRequest struct {
	URL string `json:"url"`
	// StoreBlobs defaults to true when omitted.
	StoreBlobs *bool `json:"storeBlobs,omitempty"`
	// ApplyFirst defaults to true when omitted.
	ApplyFirst *bool `json:"applyFirst,omitempty"`
}

// Validate validates the import request fields.
func (r *ImportRequest) Validate() error {
	if r.URL == "" {
		return MissingField("url")
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return InvalidField("url", "must be an absolute http(s) URL")
	}
	return nil
}

// GetSchemaRequest is a request for the manifest JSON schema.
type GetSchemaRequest struct{}

// Validate is a no-op for GetSchemaRequest.
func (r *GetSchemaRequest) Validate() error {
	return nil
}
