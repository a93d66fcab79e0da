package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/cache"
	"github.com/emm-site/offline-edge/internal/config"
	"github.com/emm-site/offline-edge/internal/metrics"
	"github.com/emm-site/offline-edge/internal/offline"
	"github.com/emm-site/offline-edge/internal/server"
)

func TestOfflineStatusWithoutController(t *testing.T) {
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{})

	var payload statusPayload
	status := getJSON(t, app, "/-/offline", &payload)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.State != "none" || payload.Generation != "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestOfflineStatusReportsController(t *testing.T) {
	app, registration := newDiagnosticsApp(t, DiagnosticsOptions{})
	store := cache.NewMemoryStorage()
	if _, err := store.Open(context.Background(), "emm-v0"); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}
	registerWorker(t, registration, store, "emm-v1")

	var payload statusPayload
	if status := getJSON(t, app, "/-/offline", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.State != "activated" || payload.Generation != "emm-v1" {
		t.Fatalf("unexpected state: %+v", payload)
	}
	if payload.Scope != "https://www.example-site.test/" || !payload.SkipWaiting {
		t.Fatalf("unexpected scope/skip_waiting: %+v", payload)
	}
	if len(payload.Manifest) != 2 || payload.Manifest[0] != "./" {
		t.Fatalf("unexpected manifest: %v", payload.Manifest)
	}
	if len(payload.Buckets) != 1 || payload.Buckets[0] != "emm-v1" {
		t.Fatalf("old generation should have been swept: %v", payload.Buckets)
	}
	if payload.LastSweep == nil || len(payload.LastSweep.Deleted) != 1 || payload.LastSweep.Deleted[0] != "emm-v0" {
		t.Fatalf("unexpected last sweep: %+v", payload.LastSweep)
	}
}

func TestOfflineUpdateEndpoint(t *testing.T) {
	calls := 0
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{
		Update: func(ctx context.Context) (bool, offline.Generation, error) {
			calls++
			if calls == 1 {
				return true, "emm-v2", nil
			}
			return false, "emm-v2", errors.New("precache failed: fetch ./: status 500")
		},
	})

	var ok map[string]any
	if status := postJSON(t, app, "/-/offline/update", &ok); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if ok["replaced"] != true || ok["generation"] != "emm-v2" {
		t.Fatalf("unexpected payload: %v", ok)
	}

	var failed map[string]any
	if status := postJSON(t, app, "/-/offline/update", &failed); status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if failed["error"] != "update_failed" {
		t.Fatalf("unexpected error payload: %v", failed)
	}
	if _, leaked := failed["detail"]; leaked {
		t.Fatalf("internal error detail must not be returned: %v", failed)
	}
}

func TestOfflineUpdateRequiresToken(t *testing.T) {
	calls := 0
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{
		UpdateToken: "s3cret",
		Update: func(ctx context.Context) (bool, offline.Generation, error) {
			calls++
			return false, "emm-v1", nil
		},
	})

	var denied map[string]any
	if status := postJSON(t, app, "/-/offline/update", &denied); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	wrong := httptest.NewRequest(http.MethodPost, "/-/offline/update", nil)
	wrong.Header.Set("Authorization", "Bearer nope")
	if status := doJSON(t, app, wrong, &denied); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", status)
	}
	if calls != 0 {
		t.Fatalf("unauthorized requests must not trigger an update")
	}

	good := httptest.NewRequest(http.MethodPost, "/-/offline/update", nil)
	good.Header.Set("Authorization", "Bearer s3cret")
	var ok map[string]any
	if status := doJSON(t, app, good, &ok); status != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", status)
	}
	if calls != 1 || ok["generation"] != "emm-v1" {
		t.Fatalf("unexpected update result: calls=%d payload=%v", calls, ok)
	}
}

func TestOfflineUpdateUnavailable(t *testing.T) {
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{})

	var payload map[string]any
	if status := postJSON(t, app, "/-/offline/update", &payload); status != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.NewRecorder()
	recorder.FetchCompleted(offline.RouteCacheFirst, offline.SourceCache, nil)
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{Metrics: recorder.Handler()})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `offline_fetch_total{route="cache-first",source="cache"} 1`) {
		t.Fatalf("exposition missing fetch counter:\n%s", body)
	}
}

func TestDiagnosticsRoutesBypassProxy(t *testing.T) {
	app, _ := newDiagnosticsApp(t, DiagnosticsOptions{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("site paths should reach the proxy handler, got %d", resp.StatusCode)
	}
}

func newDiagnosticsApp(t *testing.T, opts DiagnosticsOptions) (*fiber.App, *offline.Registration) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	site, err := server.NewSite(config.SiteConfig{Origin: "https://www.example-site.test"})
	if err != nil {
		t.Fatalf("site: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Site:   site,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}

	registration := offline.NewRegistration(logger)
	opts.Registration = registration
	opts.Logger = logger
	RegisterDiagnosticsRoutes(app, opts)
	return app, registration
}

func registerWorker(t *testing.T, registration *offline.Registration, store cache.Storage, generation offline.Generation) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	worker, err := offline.NewWorker(offline.Options{
		Generation: generation,
		Scope:      config.SiteConfig{Origin: "https://www.example-site.test"}.ScopeURL(),
		Manifest:   offline.Manifest{"./", "./index.html"},
		Storage:    store,
		Network: offline.FetcherFunc(func(_ context.Context, req *cache.Request) (*cache.Response, error) {
			return &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("ok"), URL: req.Key()}, nil
		}),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := registration.Register(context.Background(), worker); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func getJSON(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	return doJSON(t, app, httptest.NewRequest(http.MethodGet, path, nil), out)
}

func postJSON(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	return doJSON(t, app, httptest.NewRequest(http.MethodPost, path, nil), out)
}

func doJSON(t *testing.T, app *fiber.App, req *http.Request, out any) int {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode
}
