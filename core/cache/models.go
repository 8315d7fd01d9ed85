package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Key is the normalized request descriptor an Entry is stored under.
// Only GET responses are cacheable; the fragment never reaches the server
// and is dropped during normalization.
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func NewKey(method, rawurl string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if u, err := url.Parse(strings.TrimSpace(rawurl)); err == nil {
		u.Fragment = ""
		rawurl = u.String()
	}
	return Key{Method: method, URL: rawurl}
}

func (k Key) Cacheable() bool {
	return k.Method == http.MethodGet
}

// Entry is one stored response. It belongs to exactly one Generation;
// at most one Entry exists per Key per Generation.
type Entry struct {
	Key
	Status    int
	Header    http.Header
	Body      []byte
	CreatedAt time.Time // UTC
}

// Generation is one versioned snapshot of cached entries. Versions are
// assigned monotonically; exactly one generation is live at a time and it
// is the only one consulted by fetch interception.
type Generation struct {
	Version   int
	Live      bool
	CreatedAt time.Time // UTC
}
