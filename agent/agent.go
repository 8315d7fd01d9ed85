// Package agent implements the interception agent: a single background
// worker per installation that keeps the application shell servable with
// the network fully absent, and fronts every page request with a
// cache-first lookup.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/cache"
)

// State is the agent's lifecycle phase.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	// StateFailed means installation aborted; the previously active
	// generation keeps serving.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// shellManifest is the fixed set of keys cached unconditionally at install
// time: entry document, entry script bundle, core third-party assets.
// Hard-coded, not configurable at runtime.
var shellManifest = []string{
	"/",
	"/app.js",
	"https://cdn.jsdelivr.net/npm/bootstrap@4.5.3/dist/css/bootstrap.min.css",
	"https://fonts.googleapis.com/css2?family=Inter:wght@400;600&display=swap",
}

type eventKind int

const (
	evInstall eventKind = iota
	evActivate
)

type (
	Deps struct {
		Cache  *cache.Service
		Conf   *core.Config
		Logger core.Logger
		// Client performs upstream fetches; defaults to one honoring
		// Conf.Agent.UpstreamTimeout.
		Client *http.Client
		// Manifest overrides the shell manifest; tests only.
		Manifest []string
	}

	Agent struct {
		cache    *cache.Service
		conf     *core.Config
		logger   core.Logger
		client   *http.Client
		origin   *url.URL
		api      *url.URL
		manifest []string

		state      int32
		version    int64 // generation written by the last install
		controller int64 // bumped when open sessions are claimed at activation

		events chan eventKind
		ready  chan struct{}
		failed chan struct{}
	}
)

func New(deps Deps) (*Agent, error) {
	origin, err := url.Parse(deps.Conf.Agent.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "parsing agent origin")
	}
	var api *url.URL
	if deps.Conf.Agent.APIBaseURL != "" {
		if api, err = url.Parse(deps.Conf.Agent.APIBaseURL); err != nil {
			return nil, errors.Wrap(err, "parsing API base URL")
		}
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: deps.Conf.Agent.UpstreamTimeout}
	}
	manifest := deps.Manifest
	if len(manifest) == 0 {
		manifest = shellManifest
	}

	return &Agent{
		cache:    deps.Cache,
		conf:     deps.Conf,
		logger:   deps.Logger,
		client:   client,
		origin:   origin,
		api:      api,
		manifest: manifest,
		events:   make(chan eventKind, 4),
		ready:    make(chan struct{}),
		failed:   make(chan struct{}),
	}, nil
}

// Start enqueues installation. The agent installs, activates and claims
// open sessions on its own loop; callers wait on Ready.
func (a *Agent) Start() {
	a.events <- evInstall
}

// Run is the agent's message-handling loop. It owns every lifecycle
// transition; request interception (ServeHTTP) only ever reads.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			switch ev {
			case evInstall:
				if err := a.install(ctx); err != nil {
					// fatal to this agent version only: the previous live
					// generation keeps serving.
					a.setState(StateFailed)
					a.logger.Error(fmt.Sprintf("agent install failed: %v", err), err)
					close(a.failed)
					continue
				}
				a.setState(StateInstalled)
				a.events <- evActivate
			case evActivate:
				a.setState(StateActivating)
				if err := a.activate(ctx); err != nil {
					a.setState(StateFailed)
					a.logger.Error(fmt.Sprintf("agent activate failed: %v", err), err)
					close(a.failed)
					continue
				}
				a.claimSessions()
				a.setState(StateActive)
				close(a.ready)
			}
		}
	}
}

// install opens the next generation and pre-populates it with the shell
// manifest. Any failed manifest fetch aborts the whole installation.
func (a *Agent) install(ctx context.Context) error {
	a.setState(StateInstalling)

	gen, err := a.cache.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "opening cache generation")
	}

	for _, raw := range a.manifest {
		if err = a.installEntry(ctx, gen.Version, raw); err != nil {
			if aerr := a.cache.Abort(ctx, gen.Version); aerr != nil {
				a.logger.Warn(fmt.Sprintf("discarding aborted generation %d: %v", gen.Version, aerr), aerr)
			}
			return errors.Wrapf(err, "caching manifest entry %q", raw)
		}
	}

	atomic.StoreInt64(&a.version, int64(gen.Version))
	return nil
}

func (a *Agent) installEntry(ctx context.Context, version int, raw string) error {
	target := a.resolve(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	return a.cache.Put(ctx, version, cache.Entry{
		Key:       cache.NewKey(http.MethodGet, target),
		Status:    resp.StatusCode,
		Header:    cloneHeader(resp.Header),
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
}

// activate deletes every generation older than the one just installed and
// flips the live pointer; readers observe an atomic swap, never a torn state.
func (a *Agent) activate(ctx context.Context) error {
	version := int(atomic.LoadInt64(&a.version))
	if err := a.cache.Activate(ctx, version); err != nil {
		return errors.Wrapf(err, "activating generation %d", version)
	}
	return nil
}

// claimSessions takes control of in-flight page sessions immediately
// instead of waiting for their natural reload.
func (a *Agent) claimSessions() {
	atomic.AddInt64(&a.controller, 1)
}

// Controller identifies which agent activation currently controls open
// sessions; it changes exactly once per activation.
func (a *Agent) Controller() int64 {
	return atomic.LoadInt64(&a.controller)
}

func (a *Agent) State() State {
	return State(atomic.LoadInt32(&a.state))
}

func (a *Agent) setState(s State) {
	atomic.StoreInt32(&a.state, int32(s))
}

// Ready is closed once the agent reaches active.
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// Failed is closed if this agent version never becomes active.
func (a *Agent) Failed() <-chan struct{} {
	return a.failed
}

// resolve turns a manifest entry or request path into an absolute URL on
// the fronted origin; already-absolute (third-party) URLs pass through.
func (a *Agent) resolve(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.IsAbs() {
		return u.String()
	}
	return a.origin.ResolveReference(u).String()
}
