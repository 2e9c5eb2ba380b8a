// Package urihandler implements a trivial http/https URI adapter: a
// getter/setter pair guarded by a leaf lock, plus the scheme whitelist
// that the original GstCurlHttpSrc enforced via its GstURIHandler vtable.
package urihandler

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/slicingmelon/go-rawurlparser"
)

// Protocols lists the schemes this source element can handle.
var Protocols = []string{"http", "https"}

var ErrNilURI = errors.New("urihandler: uri must not be nil")
var ErrUnsupportedScheme = errors.New("urihandler: unsupported scheme")

// Handler owns the current request URI and resets the owner's retry budget
// whenever the URI changes, exactly like the original's
// gst_curl_http_src_urihandler_set_uri.
type Handler struct {
	mu  sync.Mutex
	uri string

	// onChange is invoked with the lock released after a successful Set,
	// giving the owning RequestSlot a chance to reset retries_remaining.
	onChange func(newURI string)
}

// New validates and stores the initial URI. A nil/empty URI is rejected.
func New(uri string, onChange func(string)) (*Handler, error) {
	if err := Validate(uri); err != nil {
		return nil, err
	}
	return &Handler{uri: uri, onChange: onChange}, nil
}

// Validate parses uri with go-rawurlparser (which preserves the exact path
// the caller supplied rather than normalizing it, important for byte-range
// requests against paths with meaningful encoding) and checks the scheme.
func Validate(uri string) error {
	if uri == "" {
		return ErrNilURI
	}
	parsed, err := rawurlparser.RawURLParseWithError(uri)
	if err != nil {
		return errors.Wrapf(err, "invalid uri %q", uri)
	}
	for _, scheme := range Protocols {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return errors.Wrapf(ErrUnsupportedScheme, "scheme %q", parsed.Scheme)
}

// URI returns the current URI under the leaf lock.
func (h *Handler) URI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uri
}

// SetURI replaces the URI, resetting retries_remaining via onChange.
func (h *Handler) SetURI(uri string) error {
	if err := Validate(uri); err != nil {
		return err
	}

	h.mu.Lock()
	h.uri = uri
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(uri)
	}
	return nil
}
