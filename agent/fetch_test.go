package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmutati/jamii/core/cache"
	inmemdb "github.com/kmutati/jamii/storage/database/inmem"
)

func setupActive(t *testing.T) (*Agent, *upstream) {
	t.Helper()

	up := newUpstream()
	t.Cleanup(up.server.Close)

	cacheSvc := cache.NewService(inmemdb.NewCacheStore(inmemdb.Open()))
	agt := startAgent(t, cacheSvc, testConfig(up.server.URL), testManifest)
	waitReady(t, agt)
	return agt, up
}

func get(agt *Agent, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	agt.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_cacheFirstSkipsNetwork(t *testing.T) {
	agt, up := setupActive(t)
	hitsAfterInstall := up.hitCount("/")

	rec := get(agt, "/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	// cache takes priority: the origin was not consulted again
	assert.Equal(t, hitsAfterInstall, up.hitCount("/"))
}

func TestServeHTTP_missFetchesAndStores(t *testing.T) {
	agt, up := setupActive(t)

	rec := get(agt, "/page", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a page", rec.Body.String())
	assert.Equal(t, int64(1), up.hitCount("/page"))

	// warm now: the second request is served from cache
	rec = get(agt, "/page", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a page", rec.Body.String())
	assert.Equal(t, int64(1), up.hitCount("/page"))
}

func TestServeHTTP_offlineNavigationServesShell(t *testing.T) {
	agt, up := setupActive(t)
	up.server.Close() // network gone

	rec := get(agt, "/posts/42", http.Header{"Accept": {"text/html,application/xhtml+xml"}})

	// the shell document boots and routes client-side
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestServeHTTP_offlineNavigationSecFetchMode(t *testing.T) {
	agt, up := setupActive(t)
	up.server.Close()

	rec := get(agt, "/posts/42", http.Header{"Sec-Fetch-Mode": {"navigate"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestServeHTTP_offlineSubresourceGetsSynthetic404(t *testing.T) {
	agt, up := setupActive(t)
	up.server.Close()

	rec := get(agt, "/data.json", http.Header{"Accept": {"application/json"}})

	// a response-shaped value, never a dropped connection
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "offline\n", rec.Body.String())
}

func TestServeHTTP_nonGETPassesThrough(t *testing.T) {
	var gotMethod, gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	cacheSvc := cache.NewService(inmemdb.NewCacheStore(inmemdb.Open()))
	agt := startAgent(t, cacheSvc, testConfig(origin.URL), []string{"/"})
	waitReady(t, agt)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	agt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "payload", gotBody)
}

func TestServeHTTP_apiPrefixBypassesCache(t *testing.T) {
	agt, up := setupActive(t)

	rec := get(agt, "/api/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"user1"}`, rec.Body.String())

	// live API traffic is proxied every time, never cached
	rec = get(agt, "/api/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), up.hitCount("/api/me"))
}

func TestServeHTTP_passthroughUpstreamDownIs502(t *testing.T) {
	agt, up := setupActive(t)
	up.server.Close()

	rec := get(agt, "/api/me", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream unavailable\n", rec.Body.String())
}

func TestIsNavigation(t *testing.T) {
	nav := httptest.NewRequest(http.MethodGet, "/", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.True(t, isNavigation(nav))

	html := httptest.NewRequest(http.MethodGet, "/", nil)
	html.Header.Set("Accept", "text/html")
	assert.True(t, isNavigation(html))

	sub := httptest.NewRequest(http.MethodGet, "/", nil)
	sub.Header.Set("Accept", "application/json")
	assert.False(t, sub.Method != http.MethodGet || isNavigation(sub))

	post := httptest.NewRequest(http.MethodPost, "/", nil)
	post.Header.Set("Accept", "text/html")
	assert.False(t, isNavigation(post))
}
