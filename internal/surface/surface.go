// Package surface models the page element that displays the background.
//
// A Surface records the style the background element would carry
// (background-image, opacity, transition) and the status label shown next to
// it. Binary payloads are exposed through object URLs: applying a new payload,
// clearing, or closing the surface revokes the URL it created previously, so at
// most one URL owned by the surface is live at any time.
package surface

import (
	"fmt"
	"strings"
	"sync"
)

// Payload is something that can be applied as a background. A nil *Payload
// clears the background.
type Payload struct {
	// Data is a binary image. When set, it is exposed through an object URL.
	Data        []byte
	ContentType string
	// Inline is used as the image URL as is (data: URL or remote URL) when
	// Data is nil.
	Inline string
}

// Binary returns a payload for raw image bytes.
func Binary(data []byte, contentType string) *Payload {
	if data == nil {
		data = []byte{}
	}
	return &Payload{Data: data, ContentType: contentType}
}

// Inline returns a payload for an image URL or data: URL.
func Inline(url string) *Payload {
	return &Payload{Inline: url}
}

// Options configures how a Surface renders state.
type Options struct {
	// BaseURL prefixes object URLs.
	BaseURL string
	// ActiveOpacity is the element opacity when a background is applied.
	ActiveOpacity float64
	// Transition is recorded verbatim on the element.
	Transition string
	// ActiveLabel and EmptyLabel are the status texts.
	ActiveLabel string
	EmptyLabel  string
}

// DefaultOptions returns the stock look.
func DefaultOptions() Options {
	return Options{
		ActiveOpacity: 0.25,
		Transition:    "opacity 450ms ease, background-image 300ms ease",
		ActiveLabel:   "Ativo",
		EmptyLabel:    "Nenhum",
	}
}

// State is a snapshot of the element and its status label.
type State struct {
	BackgroundImage string  `json:"backgroundImage"`
	Opacity         float64 `json:"opacity"`
	Transition      string  `json:"transition"`
	Status          string  `json:"status"`
	// ObjectURL is the URL owned by the surface, if the applied payload is binary.
	ObjectURL string `json:"objectUrl,omitempty"`
}

// Active reports whether a background is applied.
func (s State) Active() bool {
	return s.BackgroundImage != ""
}

// Surface is safe for concurrent use.
type Surface struct {
	opts Options
	urls *ObjectURLs

	mu    sync.RWMutex
	state State
}

// New returns a cleared surface. Zero-valued label and transition options
// fall back to DefaultOptions.
func New(opts Options) *Surface {
	def := DefaultOptions()
	if opts.Transition == "" {
		opts.Transition = def.Transition
	}
	if opts.ActiveLabel == "" {
		opts.ActiveLabel = def.ActiveLabel
	}
	if opts.EmptyLabel == "" {
		opts.EmptyLabel = def.EmptyLabel
	}
	if opts.ActiveOpacity <= 0 || opts.ActiveOpacity > 1 {
		opts.ActiveOpacity = def.ActiveOpacity
	}
	s := &Surface{opts: opts, urls: NewObjectURLs(opts.BaseURL)}
	s.state = s.cleared()
	return s
}

// ObjectURLs returns the registry backing the surface's object URLs.
func (s *Surface) ObjectURLs() *ObjectURLs {
	return s.urls
}

// Apply sets the background from p, or clears it when p is nil.
//
// The object URL created by the previous Apply is revoked first.
func (s *Surface) Apply(p *Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	if p == nil || (p.Data == nil && p.Inline == "") {
		s.state = s.cleared()
		return
	}
	var url string
	if p.Data != nil {
		url = s.urls.CreateObjectURL(p.Data, p.ContentType)
		s.state.ObjectURL = url
	} else {
		url = p.Inline
	}
	s.state.BackgroundImage = cssURL(url)
	s.state.Opacity = s.opts.ActiveOpacity
	s.state.Transition = s.opts.Transition
	s.state.Status = s.opts.ActiveLabel
}

// Snapshot returns the current state.
func (s *Surface) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Close clears the surface and revokes its object URL.
func (s *Surface) Close() {
	s.Apply(nil)
}

func (s *Surface) releaseLocked() {
	if s.state.ObjectURL != "" {
		s.urls.RevokeObjectURL(s.state.ObjectURL)
		s.state.ObjectURL = ""
	}
}

func (s *Surface) cleared() State {
	return State{Transition: s.opts.Transition, Status: s.opts.EmptyLabel}
}

// cssURL quotes url for a CSS url() value.
func cssURL(url string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "")
	return fmt.Sprintf(`url("%s")`, r.Replace(url))
}
