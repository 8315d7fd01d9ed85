package agent

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/kmutati/jamii/core/cache"
)

// hop-by-hop headers are meaningful per connection and must not be copied
// through the gateway.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServeHTTP is the per-request contract: cache-first for same-origin GETs,
// untouched passthrough for everything else. Every code path returns a
// response-shaped value; a raw network error never escapes to callers.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.bypass(r) {
		a.passthrough(w, r)
		return
	}

	ctx := r.Context()
	target := a.resolve(r.URL.RequestURI())

	// 1. cache takes priority over network: staleness traded for the
	// offline guarantee.
	if entry, err := a.cache.Get(ctx, r.Method, target); err == nil {
		writeEntry(w, entry)
		return
	}

	// 2. cache miss: go to the network.
	resp, err := a.forward(r, target)
	if err != nil {
		a.serveFallback(w, r)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp)
	if err != nil {
		a.serveFallback(w, r)
		return
	}

	// 3. keep the cache warm: store a clone of every successful response,
	// cross-origin included, under the live generation. Concurrent fetches
	// of the same key each store independently; writes are idempotent
	// last-write-wins.
	if resp.StatusCode == http.StatusOK {
		entry := cache.Entry{
			Key:       cache.NewKey(r.Method, target),
			Status:    resp.StatusCode,
			Header:    cloneHeader(resp.Header),
			Body:      body,
			CreatedAt: time.Now().UTC(),
		}
		if gen, gerr := a.cache.Live(ctx); gerr == nil {
			if perr := a.cache.Put(ctx, gen.Version, entry); perr != nil {
				a.logger.Warn(fmt.Sprintf("storing response for %s: %v", target, perr), perr)
			}
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// bypass reports whether the request must never be intercepted: non-GET
// methods, and anything destined for the live backend-API host, where
// cache-first would be unsafe.
func (a *Agent) bypass(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return true
	}
	if a.conf.Agent.APIPrefix != "" && strings.HasPrefix(r.URL.Path, a.conf.Agent.APIPrefix) {
		return true
	}
	if a.api != nil && r.URL.Host == a.api.Host {
		return true
	}
	return false
}

// passthrough proxies the request untouched. Upstream failure still yields
// a well-formed response object, not a dropped connection.
func (a *Agent) passthrough(w http.ResponseWriter, r *http.Request) {
	target := a.resolve(r.URL.RequestURI())
	if a.api != nil && (strings.HasPrefix(r.URL.Path, a.conf.Agent.APIPrefix) || r.URL.Host == a.api.Host) {
		target = a.api.ResolveReference(r.URL).String()
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeSynthetic(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	copyHeader(req.Header, r.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		writeSynthetic(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (a *Agent) forward(r *http.Request, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	return a.client.Do(req)
}

// serveFallback handles a network failure after a cache miss: a top-level
// navigation gets the cached shell document so the single-page app can
// still boot and route client-side; anything else gets a synthetic
// not-found so callers receive a response, not an error.
func (a *Agent) serveFallback(w http.ResponseWriter, r *http.Request) {
	if isNavigation(r) {
		shell, err := a.cache.Get(r.Context(), http.MethodGet, a.resolve("/"))
		if err == nil {
			writeEntry(w, shell)
			return
		}
	}
	writeSynthetic(w, http.StatusNotFound, "offline")
}

// isNavigation reports whether the request is a top-level page navigation.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeEntry(w http.ResponseWriter, entry cache.Entry) {
	copyHeader(w.Header(), entry.Header)
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func writeSynthetic(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, msg)
}

func readBody(resp *http.Response) ([]byte, error) {
	return ioutil.ReadAll(resp.Body)
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	clone := make(http.Header, len(h))
	copyHeader(clone, h)
	return clone
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}
