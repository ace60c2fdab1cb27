package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/update-mirror/health"
	"github.com/wolfeidau/update-mirror/inventory"
	"github.com/wolfeidau/update-mirror/overlay"
	"github.com/wolfeidau/update-mirror/packageurl"
	"github.com/wolfeidau/update-mirror/snapshot"
	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/update"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type manualScheduler struct{}

func (manualScheduler) Register(context.Context, string, time.Duration, func(context.Context)) error {
	return nil
}
func (manualScheduler) Unregister(string) {}

func newMirrorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/core-update-check/":
			_, _ = w.Write([]byte(`{"updates":[{"response":"upgrade","current":"6.5"}]}`))
		case "/plugin-info-bulk/":
			_, _ = w.Write([]byte(`{"a/a.php":{"new_version":"2.0"},"b.php":null}`))
		case "/theme-info-bulk/":
			_, _ = w.Write([]byte(`{"astra":{"new_version":"4.6"}}`))
		case "/plugins-api/":
			_, _ = w.Write([]byte(`{"plugins":[{"slug":"x"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, mirrorURL string, clock *testClock) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return openTestEngine(t, mem, mirrorURL, clock), mem
}

func openTestEngine(t *testing.T, mem *store.Memory, mirrorURL string, clock *testClock) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MirrorURL = mirrorURL
	cfg.BreakerFailures = 0

	e, err := New(context.Background(), mem, cfg,
		WithNow(clock.Now),
		WithScheduler(manualScheduler{}),
		WithInventory(inventory.Static{
			PluginItems: []update.Item{{ID: "a/a.php"}, {ID: "b.php"}},
			ThemeItems:  []update.Item{{ID: "astra"}},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_CheckAndMerge(t *testing.T) {
	ctx := context.Background()
	srv := newMirrorServer(t)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, _ := newTestEngine(t, srv.URL, clock)

	rs, err := e.Check(ctx, update.CategoryPlugins, nil, nil)
	require.NoError(t, err)
	require.Len(t, rs.Response, 1)

	merged := e.Merge(ctx, update.CategoryPlugins, &update.RecordSet{})
	require.Equal(t, "2.0", merged.Response["a/a.php"].NewVersion())

	core, err := e.Check(ctx, update.CategoryCore, nil, nil)
	require.NoError(t, err)
	require.Len(t, core.Updates, 1)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Active)
	require.NotNil(t, st.Health.LastSuccess)
	require.True(t, clock.Now().Equal(*st.Health.LastSuccess))
}

func TestEngine_CheckWithHostInventory(t *testing.T) {
	srv := newMirrorServer(t)
	e, _ := newTestEngine(t, srv.URL, &testClock{now: time.Now()})

	rs, err := e.Check(context.Background(), update.CategoryThemes, nil, inventory.Static{ThemeItems: []update.Item{{ID: "astra"}}})
	require.NoError(t, err)
	require.Equal(t, "4.6", rs.Response["astra"].NewVersion())
}

func TestEngine_OverlayAndRewrite(t *testing.T) {
	ctx := context.Background()
	srv := newMirrorServer(t)
	e, _ := newTestEngine(t, srv.URL, &testClock{now: time.Now()})

	got, err := e.Overlay(ctx, "plugins", overlay.Result{}, nil, "query_plugins", map[string]any{"search": "x"})
	require.NoError(t, err)
	require.JSONEq(t, `[{"slug":"x"}]`, string(got["plugins"]))

	opts := e.Rewrite(ctx, packageurl.Options{Package: "https://downloads.wordpress.org/plugin/a.2.0.zip"})
	require.Equal(t, srv.URL+"/plugins/a.2.0.zip", opts.Package)
	require.True(t, opts.FromMirror)
}

func TestEngine_WatchdogDisablesEngine(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	// Unreachable mirror: nothing ever succeeds after start.
	e, mem := newTestEngine(t, "http://127.0.0.1:1", clock)

	require.NoError(t, e.Start(ctx))

	clock.Advance(47 * time.Hour)
	require.Equal(t, health.Healthy, e.CheckHealth(ctx))
	require.True(t, e.Active())

	clock.Advance(2 * time.Hour)
	require.Equal(t, health.Disabled, e.CheckHealth(ctx))
	require.False(t, e.Active())

	_, err := mem.Get(ctx, health.StateKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.Equal(t, health.Disabled, st.Health.State)
	require.NotNil(t, st.Notice)

	// Inactive engines pass input through untouched.
	in := &update.RecordSet{}
	out, err := e.Check(ctx, update.CategoryPlugins, in, nil)
	require.NoError(t, err)
	require.Same(t, in, out)
	require.Nil(t, out.Response)

	opts := e.Rewrite(ctx, packageurl.Options{Package: "https://downloads.wordpress.org/plugin/a.zip"})
	require.False(t, opts.FromMirror)

	require.ErrorIs(t, e.Start(ctx), health.ErrStopped)
}

func TestEngine_Teardown(t *testing.T) {
	ctx := context.Background()
	srv := newMirrorServer(t)
	e, mem := newTestEngine(t, srv.URL, &testClock{now: time.Now()})

	require.NoError(t, e.Start(ctx))
	_, err := e.Check(ctx, update.CategoryPlugins, nil, nil)
	require.NoError(t, err)

	_, err = mem.Get(ctx, snapshot.Key("plugins"))
	require.NoError(t, err)

	require.NoError(t, e.Teardown(ctx))
	require.False(t, e.Active())

	keys, err := mem.Keys(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestEngine_DisablementSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	srv := newMirrorServer(t)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	first, mem := newTestEngine(t, "http://127.0.0.1:1", clock)
	require.NoError(t, first.Start(ctx))
	clock.Advance(49 * time.Hour)
	require.Equal(t, health.Disabled, first.CheckHealth(ctx))

	_, err := mem.Get(ctx, DisabledKey)
	require.NoError(t, err)

	// A new engine over the same options, now pointed at a working mirror.
	second := openTestEngine(t, mem, srv.URL, clock)
	require.False(t, second.Active())
	require.ErrorIs(t, second.Start(ctx), health.ErrStopped)
	require.Equal(t, health.Disabled, second.CheckHealth(ctx))

	in := &update.RecordSet{}
	out, err := second.Check(ctx, update.CategoryPlugins, in, nil)
	require.NoError(t, err)
	require.Same(t, in, out)

	_, err = mem.Get(ctx, health.StateKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	st, err := second.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.Equal(t, health.Disabled, st.Health.State)
	require.NotNil(t, st.Notice)
}

func TestEngine_EnableClearsDisablement(t *testing.T) {
	ctx := context.Background()
	srv := newMirrorServer(t)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()

	require.NoError(t, mem.Set(ctx, DisabledKey, []byte("2024-01-01T00:00:00Z")))
	require.NoError(t, mem.Set(ctx, health.NoticeKey, []byte(`{"name":"update-mirror"}`)))

	disabled := openTestEngine(t, mem, srv.URL, clock)
	require.False(t, disabled.Active())
	require.NoError(t, disabled.Enable(ctx))
	require.False(t, disabled.Active())

	enabled := openTestEngine(t, mem, srv.URL, clock)
	require.True(t, enabled.Active())
	require.NoError(t, enabled.Start(ctx))

	st, err := enabled.Status(ctx)
	require.NoError(t, err)
	require.Nil(t, st.Notice)
}

func TestEngine_InactiveOverlayKeepsPrimaryError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, DisabledKey, []byte("x")))
	e := openTestEngine(t, mem, "http://127.0.0.1:1", &testClock{now: time.Now()})

	primaryErr := errors.New("http_request_failed")
	_, err := e.Overlay(ctx, "plugins", nil, primaryErr, "query_plugins", nil)
	require.ErrorIs(t, err, primaryErr)
}
