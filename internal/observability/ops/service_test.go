package ops

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "nwwsoi/pkg/logx"
)

func metricsStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "nwwsoi_up 1\n") })
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAuth(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), metricsStub(), nil)
	h := s.routes(Config{Token: "s3cret"})

	if rec := get(t, h, "/metrics", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics?token=nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics?token=s3cret", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nwwsoi_up") {
		t.Fatalf("query token: code = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer: code = %d", rec.Code)
	}
}

func TestHealthReportsUnhealthy(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil, func() (bool, any) { return false, map[string]string{"state": "disconnected"} })
	rec := get(t, s.routes(Config{}), "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"disconnected"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil, nil)
	if rec := get(t, s.routes(Config{}), "/debug/pprof/cmdline", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}
	if rec := get(t, s.routes(Config{Pprof: true}), "/debug/pprof/cmdline", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: code = %d", rec.Code)
	}
}

func TestCheckBind(t *testing.T) {
	cases := []struct {
		addr string
		cfg  Config
		ok   bool
	}{
		{"127.0.0.1:9180", Config{}, true},
		{"localhost:9180", Config{}, true},
		{"[::1]:9180", Config{}, true},
		{":9180", Config{}, false},
		{"0.0.0.0:9180", Config{}, false},
		{"0.0.0.0:9180", Config{Token: "t"}, true},
		{"0.0.0.0:9180", Config{AllowInsecure: true}, true},
	}
	for _, tc := range cases {
		if err := checkBind(tc.addr, tc.cfg); (err == nil) != tc.ok {
			t.Fatalf("checkBind(%q, %+v) = %v, want ok=%v", tc.addr, tc.cfg, err, tc.ok)
		}
	}
}

func TestStartServeStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), metricsStub(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "nwwsoi_up") {
		t.Fatalf("GET /metrics: %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("addr still set after Stop")
	}
}
