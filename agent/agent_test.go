package agent

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/cache"
	inmemdb "github.com/kmutati/jamii/storage/database/inmem"
)

var testManifest = []string{"/", "/app.js"}

// upstream is a fake fronted origin that counts hits per path.
type upstream struct {
	server *httptest.Server
	hits   map[string]*int64
}

func newUpstream() *upstream {
	up := &upstream{hits: map[string]*int64{
		"/":       new(int64),
		"/app.js": new(int64),
		"/page":   new(int64),
		"/api/me": new(int64),
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if counter, ok := up.hits[r.URL.Path]; ok {
			atomic.AddInt64(counter, 1)
		}
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>shell</html>"))
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte("console.log('app')"))
		case "/page":
			_, _ = w.Write([]byte("a page"))
		case "/api/me":
			_, _ = w.Write([]byte(`{"id":"user1"}`))
		default:
			http.NotFound(w, r)
		}
	})
	up.server = httptest.NewServer(mux)
	return up
}

func (up *upstream) hitCount(path string) int64 {
	return atomic.LoadInt64(up.hits[path])
}

func testConfig(originURL string) *core.Config {
	return &core.Config{
		Agent: core.AgentConfig{
			Origin:          originURL,
			APIPrefix:       "/api/",
			UpstreamTimeout: 2 * time.Second,
		},
	}
}

// startAgent builds an agent over the given cache service and runs its loop
// until the test ends.
func startAgent(t *testing.T, cacheSvc *cache.Service, conf *core.Config, manifest []string) *Agent {
	t.Helper()

	agt, err := New(Deps{
		Cache:    cacheSvc,
		Conf:     conf,
		Logger:   core.NewStdLogger(log.New(io.Discard, "", 0)),
		Manifest: manifest,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = agt.Run(ctx) }()

	agt.Start()
	return agt
}

func waitReady(t *testing.T, agt *Agent) {
	t.Helper()
	select {
	case <-agt.Ready():
	case <-agt.Failed():
		t.Fatalf("agent failed, state %s", agt.State())
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never became ready, state %s", agt.State())
	}
}

func waitFailed(t *testing.T, agt *Agent) {
	t.Helper()
	select {
	case <-agt.Failed():
	case <-agt.Ready():
		t.Fatal("agent became ready, expected failure")
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never failed, state %s", agt.State())
	}
}

func TestAgent_installActivatesAndClaims(t *testing.T) {
	up := newUpstream()
	defer up.server.Close()

	cacheSvc := cache.NewService(inmemdb.NewCacheStore(inmemdb.Open()))
	agt := startAgent(t, cacheSvc, testConfig(up.server.URL), testManifest)
	waitReady(t, agt)

	assert.Equal(t, StateActive, agt.State())
	assert.Equal(t, int64(1), agt.Controller())

	// every manifest entry was fetched and is servable from cache
	assert.Equal(t, int64(1), up.hitCount("/"))
	assert.Equal(t, int64(1), up.hitCount("/app.js"))

	entry, err := cacheSvc.Get(context.Background(), http.MethodGet, up.server.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("console.log('app')"), entry.Body)
}

func TestAgent_failedManifestEntryAbortsInstall(t *testing.T) {
	up := newUpstream()
	defer up.server.Close()

	cacheSvc := cache.NewService(inmemdb.NewCacheStore(inmemdb.Open()))

	// a previous version is live
	first := startAgent(t, cacheSvc, testConfig(up.server.URL), testManifest)
	waitReady(t, first)

	// next version references an asset the origin no longer serves
	second := startAgent(t, cacheSvc, testConfig(up.server.URL), []string{"/", "/gone.js"})
	waitFailed(t, second)

	assert.Equal(t, StateFailed, second.State())
	assert.Equal(t, int64(0), second.Controller()) // sessions never claimed

	// the previous generation keeps serving untouched
	entry, err := cacheSvc.Get(context.Background(), http.MethodGet, up.server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>shell</html>"), entry.Body)
}

func TestAgent_newVersionSupersedesOld(t *testing.T) {
	up := newUpstream()
	defer up.server.Close()

	cacheSvc := cache.NewService(inmemdb.NewCacheStore(inmemdb.Open()))

	first := startAgent(t, cacheSvc, testConfig(up.server.URL), testManifest)
	waitReady(t, first)

	second := startAgent(t, cacheSvc, testConfig(up.server.URL), []string{"/"})
	waitReady(t, second)

	// old generation's extra entry is gone with its generation
	_, err := cacheSvc.Get(context.Background(), http.MethodGet, up.server.URL+"/app.js")
	assert.Equal(t, cache.ErrNotFound, err)

	_, err = cacheSvc.Get(context.Background(), http.MethodGet, up.server.URL+"/")
	assert.NoError(t, err)
}

func TestAgent_stateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "failed", StateFailed.String())
}
