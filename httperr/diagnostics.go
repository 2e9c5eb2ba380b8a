package httperr

import (
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// Diagnostics records the most recent error per host, bounded in memory
// by fastcache rather than an unbounded map: many short-lived hosts come
// and go during a run and a plain map would grow without bound.
type Diagnostics struct {
	cache *fastcache.Cache
}

// NewDiagnostics creates a ring of maxBytes bytes; sizes below 32MB are
// raised to 32MB.
func NewDiagnostics(maxBytes int) *Diagnostics {
	if maxBytes < 32*1024*1024 {
		maxBytes = 32 * 1024 * 1024
	}
	return &Diagnostics{cache: fastcache.New(maxBytes)}
}

// Record stores the last error observed for a host, with a timestamp and
// the error text, keyed by host so a busy scheduler doesn't need one entry
// per request.
func (d *Diagnostics) Record(host string, err error) {
	if d == nil || err == nil {
		return
	}
	value := append(time.Now().UTC().AppendFormat(nil, time.RFC3339), ' ')
	value = append(value, err.Error()...)
	d.cache.Set([]byte(host), value)
}

// Last returns the last recorded error text for a host, if any.
func (d *Diagnostics) Last(host string) (string, bool) {
	if d == nil {
		return "", false
	}
	buf, found := d.cache.HasGet(nil, []byte(host))
	return string(buf), found
}

func (d *Diagnostics) Reset() {
	if d != nil {
		d.cache.Reset()
	}
}
