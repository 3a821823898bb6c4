// Implements a registry of revocable object URLs.

package surface

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ObjectPath is the URL path prefix under which object URLs are served.
const ObjectPath = "/objects/"

// Object is the payload behind an object URL.
type Object struct {
	Data        []byte
	ContentType string
}

// ObjectURLs hands out URLs for in-memory payloads until they are revoked.
//
// A URL stays resolvable from CreateObjectURL until RevokeObjectURL. Holders
// are responsible for revoking what they create.
type ObjectURLs struct {
	base string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewObjectURLs returns a registry whose URLs are prefixed with base, for
// example "http://localhost:8080". An empty base yields host-relative URLs.
func NewObjectURLs(base string) *ObjectURLs {
	return &ObjectURLs{
		base:    strings.TrimSuffix(base, "/"),
		objects: map[string]Object{},
	}
}

// CreateObjectURL registers data and returns its URL.
func (o *ObjectURLs) CreateObjectURL(data []byte, contentType string) string {
	token := uuid.NewString()
	o.mu.Lock()
	o.objects[token] = Object{Data: data, ContentType: contentType}
	o.mu.Unlock()
	return o.base + ObjectPath + token
}

// RevokeObjectURL releases the payload behind url. Unknown URLs are ignored.
func (o *ObjectURLs) RevokeObjectURL(url string) {
	token, ok := o.token(url)
	if !ok {
		return
	}
	o.mu.Lock()
	delete(o.objects, token)
	o.mu.Unlock()
}

// Resolve returns the payload for a token (the last path segment of a URL).
func (o *ObjectURLs) Resolve(token string) (Object, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[token]
	return obj, ok
}

// Len returns the number of live object URLs.
func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}

func (o *ObjectURLs) token(url string) (string, bool) {
	rest, ok := strings.CutPrefix(url, o.base+ObjectPath)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
