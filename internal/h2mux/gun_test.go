package h2mux

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/sample"
)

// testHandler serves /size/N with N bytes, /panic with a stream reset,
// /slow until the client goes away and echoes request bodies elsewhere.
func testHandler(h2 *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 {
			h2.Add(1)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/size/"):
			n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/size/"))
			w.Write(bytes.Repeat([]byte("x"), n))
		case r.URL.Path == "/empty":
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/panic":
			panic(http.ErrAbortHandler)
		case r.URL.Path == "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Write(body)
		}
	})
}

func newTLSServer(t *testing.T, h2 *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewUnstartedServer(testHandler(h2))
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)
	return server
}

func newH2CServer(t *testing.T, h2 *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(h2c.NewHandler(testHandler(h2), &http2.Server{}))
	t.Cleanup(server.Close)
	return server
}

func newGun(t *testing.T, cfg Config) *Gun {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { g.Teardown(context.Background()) })
	return g
}

func batch(marker string, paths ...string) sample.Task {
	missiles := make([]ammo.Missile, len(paths))
	for i, p := range paths {
		missiles[i] = ammo.Missile{Marker: p, Payload: p}
	}
	return sample.Task{Marker: marker, Payload: missiles}
}

func byMarker(samples []sample.Sample, marker string) []sample.Sample {
	var out []sample.Sample
	for _, s := range samples {
		if s.Marker == marker {
			out = append(out, s)
		}
	}
	return out
}

func overallOf(t *testing.T, samples []sample.Sample) sample.Sample {
	t.Helper()
	var found []sample.Sample
	for _, s := range samples {
		if s.Action == sample.ActionOverall {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one overall sample, got %d", len(found))
	}
	return found[0]
}

func TestGunTLSBatch(t *testing.T) {
	var h2 atomic.Int32
	server := newTLSServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Insecure: true, Timeout: 5 * time.Second})

	out := &collector{}
	task := batch("page", "/size/10", "/size/1500000", "/empty")
	if err := g.Shoot(context.Background(), task, out); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	if h2.Load() != 3 {
		t.Fatalf("expected 3 HTTP/2 requests, got %d", h2.Load())
	}

	samples := out.all()
	want := map[string]struct {
		code   string
		length int64
	}{
		"/size/10":      {"200", 10},
		"/size/1500000": {"200", 1500000},
		"/empty":        {"204", 0},
	}
	for marker, w := range want {
		got := byMarker(samples, marker)
		if len(got) != 3 {
			t.Fatalf("%s: expected three phases, got %+v", marker, got)
		}
		actions := []string{got[0].Action, got[1].Action, got[2].Action}
		if !equalStrings(actions, []string{sample.ActionRequest, sample.ActionResponseStart, sample.ActionResponse}) {
			t.Fatalf("%s: unexpected phases %v", marker, actions)
		}
		resp := got[2]
		if resp.Error || resp.Code != w.code || resp.Extra["length"] != w.length || resp.Scenario != "page" {
			t.Fatalf("%s: unexpected response sample %+v", marker, resp)
		}
	}
	overall := overallOf(t, samples)
	if overall.Error || overall.Extra["streams"] != 3 || overall.Scenario != "page" {
		t.Fatalf("unexpected overall sample %+v", overall)
	}
}

func TestGunH2CStreamReset(t *testing.T) {
	var h2 atomic.Int32
	server := newH2CServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Timeout: 5 * time.Second})

	out := &collector{}
	err := g.Shoot(context.Background(), batch("b", "/size/3", "/panic", "/size/4"), out)
	if err == nil {
		t.Fatal("expected partial failure")
	}
	samples := out.all()

	failed := byMarker(samples, "/panic")
	last := failed[len(failed)-1]
	if !last.Error || last.Code != "INTERNAL_ERROR" {
		t.Fatalf("unexpected reset sample %+v", last)
	}
	for _, marker := range []string{"/size/3", "/size/4"} {
		got := byMarker(samples, marker)
		if len(got) != 3 || got[2].Error {
			t.Fatalf("%s: sibling stream affected: %+v", marker, got)
		}
	}
	overall := overallOf(t, samples)
	if !overall.Error || overall.Code != "INTERNAL_ERROR" || overall.Extra["failed_streams"] != 1 {
		t.Fatalf("unexpected overall sample %+v", overall)
	}
	if g.pool.Idle(g.addr) != 1 {
		t.Fatal("a stream reset must not discard the session")
	}
}

func TestGunReusesSession(t *testing.T) {
	var h2 atomic.Int32
	server := newH2CServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Timeout: 5 * time.Second})

	for i := 0; i < 3; i++ {
		out := &collector{}
		if err := g.Shoot(context.Background(), batch("b", "/size/1", "/size/2"), out); err != nil {
			t.Fatalf("Shoot() #%d error = %v", i, err)
		}
		if reused := overallOf(t, out.all()).Extra["reused"]; reused != (i > 0) {
			t.Fatalf("shot %d: reused = %v", i, reused)
		}
	}
	m := g.ClientMetrics()
	if m.Connects != 1 || m.BytesSent == 0 || m.BytesReceived == 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestGunPostRecord(t *testing.T) {
	var h2 atomic.Int32
	server := newTLSServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Insecure: true, Timeout: 5 * time.Second})

	out := &collector{}
	task := sample.Task{Marker: "post", Payload: ammo.Record{"path": "echo", "method": "post", "body": "hello"}}
	if err := g.Shoot(context.Background(), task, out); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	resp := byMarker(out.all(), "post")
	if len(resp) != 4 {
		t.Fatalf("expected three phases and overall, got %+v", resp)
	}
	if resp[2].Extra["length"] != int64(5) {
		t.Fatalf("echoed body not counted: %+v", resp[2])
	}
}

func TestGunBatchBodiesBeyondInitialWindow(t *testing.T) {
	var h2 atomic.Int32
	server := newH2CServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Timeout: 5 * time.Second})

	body := strings.Repeat("b", 40_000)
	task := sample.Task{Marker: "upload", Payload: []ammo.Missile{
		{Marker: "first", Payload: ammo.Record{"path": "echo", "method": "post", "body": body}},
		{Marker: "second", Payload: ammo.Record{"path": "echo", "method": "post", "body": body}},
	}}
	out := &collector{}
	if err := g.Shoot(context.Background(), task, out); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	samples := out.all()
	for _, marker := range []string{"first", "second"} {
		phases := byMarker(samples, marker)
		if len(phases) != 3 {
			t.Fatalf("%s: expected three phases, got %+v", marker, phases)
		}
		for _, s := range phases {
			if s.Error {
				t.Fatalf("%s: unexpected error sample %+v", marker, s)
			}
		}
		if phases[2].Extra["length"] != int64(len(body)) {
			t.Fatalf("%s: echoed %v bytes, want %d", marker, phases[2].Extra["length"], len(body))
		}
	}
	if overallOf(t, samples).Error {
		t.Fatal("overall sample marked as failed")
	}
}

func TestGunTimeoutDiscardsSession(t *testing.T) {
	var h2 atomic.Int32
	server := newTLSServer(t, &h2)
	g := newGun(t, Config{Target: server.URL, Insecure: true, Timeout: 150 * time.Millisecond})

	out := &collector{}
	if err := g.Shoot(context.Background(), batch("b", "/slow"), out); err == nil {
		t.Fatal("expected timeout")
	}
	samples := out.all()
	stream := byMarker(samples, "/slow")
	last := stream[len(stream)-1]
	if !last.Error || last.Code != "TIMEOUT" {
		t.Fatalf("unexpected stream sample %+v", last)
	}
	if overall := overallOf(t, samples); !overall.Error || overall.Code != "TIMEOUT" {
		t.Fatalf("unexpected overall sample %+v", overall)
	}
	if g.pool.Idle(g.addr) != 0 {
		t.Fatal("timed out session must not return to the pool")
	}
}

func TestGunPeerClosesConnection(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			if _, err := conn.Read(buf); err != nil {
				break
			}
		}
		conn.Close()
	}()

	g := newGun(t, Config{Target: "http://" + lis.Addr().String(), Timeout: 5 * time.Second})
	out := &collector{}
	if err := g.Shoot(context.Background(), batch("b", "/a", "/b"), out); err == nil {
		t.Fatal("expected failure when the peer closes")
	}
	samples := out.all()
	for _, marker := range []string{"/a", "/b"} {
		got := byMarker(samples, marker)
		if len(got) != 2 {
			t.Fatalf("%s: expected request and failed response_start, got %+v", marker, got)
		}
		if got[0].Error || !got[1].Error || got[1].Code != "CONNECTION_CLOSED" {
			t.Fatalf("%s: unexpected samples %+v", marker, got)
		}
	}
	overall := overallOf(t, samples)
	if !overall.Error || overall.Extra["failed_streams"] != 2 {
		t.Fatalf("unexpected overall sample %+v", overall)
	}
}

func TestGunConnectFailure(t *testing.T) {
	lis, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := lis.Addr().String()
	lis.Close()

	g := newGun(t, Config{Target: "http://" + addr})
	out := &collector{}
	if err := g.Shoot(context.Background(), batch("b", "/a"), out); err == nil {
		t.Fatal("expected dial error")
	}
	if got := out.all(); len(got) != 1 || got[0].Action != sample.ActionOverall || !got[0].Error {
		t.Fatalf("unexpected samples %+v", got)
	}
}

func TestGunRequestConversion(t *testing.T) {
	g, err := New(Config{Target: "https://example.org:8443", Headers: http.Header{"X-Test": {"1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if g.addr != "example.org:8443" || g.authority != "example.org:8443" {
		t.Fatalf("unexpected address %s %s", g.addr, g.authority)
	}

	req, err := g.request("a/b?c=1")
	if err != nil || req.Path != "/a/b?c=1" || req.Header.Get("X-Test") != "1" {
		t.Fatalf("unexpected request %+v err=%v", req, err)
	}
	req, err = g.request("https://example.org:8443/x?y=2")
	if err != nil || req.Path != "/x?y=2" {
		t.Fatalf("unexpected absolute request %+v err=%v", req, err)
	}
	if _, err := g.request("https://other.org/x"); err == nil {
		t.Fatal("expected error for a foreign host")
	}
	req, err = g.request(ammo.Record{"path": "/p", "method": "put", "body": "b"})
	if err != nil || req.Method != http.MethodPut || string(req.Body) != "b" {
		t.Fatalf("unexpected record request %+v err=%v", req, err)
	}
	if _, err := g.request(12); err == nil {
		t.Fatal("expected error for unsupported payload")
	}
}

func TestNewValidatesTarget(t *testing.T) {
	for _, target := range []string{"", "ftp://x", "https://"} {
		if _, err := New(Config{Target: target}); err == nil {
			t.Fatalf("expected error for target %q", target)
		}
	}
	g, err := New(Config{Target: "http://localhost"})
	if err != nil || g.addr != "localhost:80" {
		t.Fatalf("unexpected default port: %v %v", g, err)
	}
}
