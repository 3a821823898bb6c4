// Package manifest parses image manifests and imports them into the asset
// store.
//
// A manifest lists images to import:
//
//	images:
//	  - name: dunes
//	    url: https://example.com/dunes.jpg
//	  - url: ./relative/forest.png
//
// The same structure is accepted as JSON.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by errors about malformed manifests.
var ErrInvalid = errors.New("invalid manifest")

// Manifest is a list of images to import.
type Manifest struct {
	Images []Image `json:"images" yaml:"images" jsonschema:"description=Images to import in order"`
}

// Image is a manifest entry.
type Image struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty" jsonschema:"description=Display name; defaults to the last segment of the URL path"`
	URL  string `json:"url" yaml:"url" jsonschema:"description=Image URL; relative URLs are resolved against the manifest location,minLength=1"`
}

// Parse decodes a JSON or YAML manifest and validates it. The images list
// must be present but may be empty.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	var m Manifest
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if _, ok := raw["images"].([]any); !ok {
		return nil, fmt.Errorf("%w: images must be a list", ErrInvalid)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every entry has a URL.
func (m *Manifest) Validate() error {
	for i, img := range m.Images {
		if strings.TrimSpace(img.URL) == "" {
			return fmt.Errorf("%w: images[%d]: url is required", ErrInvalid, i)
		}
	}
	return nil
}

// Resolve returns the entries with URLs made absolute against base and empty
// names replaced by the last URL path segment. A nil base leaves URLs as is.
func (m *Manifest) Resolve(base *url.URL) ([]Image, error) {
	out := make([]Image, 0, len(m.Images))
	for i, img := range m.Images {
		u, err := url.Parse(strings.TrimSpace(img.URL))
		if err != nil {
			return nil, fmt.Errorf("%w: images[%d]: %w", ErrInvalid, i, err)
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if img.Name == "" {
			img.Name = path.Base(u.Path)
			if img.Name == "/" || img.Name == "." {
				img.Name = ""
			}
		}
		img.URL = u.String()
		out = append(out, img)
	}
	return out, nil
}

// Schema returns the JSON schema of the manifest format.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&Manifest{})
}
