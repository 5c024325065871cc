package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/routes"
)

type recorded struct {
	method string
	host   string
	uri    string
	header http.Header
	body   string
}

func recordingUpstream(t *testing.T, name string) (*httptest.Server, chan recorded) {
	t.Helper()
	ch := make(chan recorded, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- recorded{method: r.Method, host: r.Host, uri: r.RequestURI, header: r.Header.Clone(), body: string(b)}
		w.Header().Set("X-Upstream", name)
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Hop", "1")
		w.Header().Set("Connection", "X-Hop")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello from "+name)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newProxy(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		h.Wait()
	})
	return srv
}

func table(t *testing.T, m map[string]string) *routes.Table {
	t.Helper()
	tbl, err := routes.NewTable(m)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func receive(t *testing.T, ch chan recorded) recorded {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the request")
		return recorded{}
	}
}

func TestRawRoundTrip(t *testing.T) {
	up, got := recordingUpstream(t, "a")
	upURL, _ := url.Parse(up.URL)
	front := newProxy(t, Options{
		Routes:   table(t, map[string]string{"a.example": up.URL}),
		Fallback: "http://127.0.0.1:1/",
	})

	conn, err := net.Dial("tcp", strings.TrimPrefix(front.URL, "http://"))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: a.example\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello from a" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}

	req := receive(t, got)
	if req.host != upURL.Host {
		t.Errorf("forwarded authority = %q, want %q", req.host, upURL.Host)
	}
	if req.uri != "/" || req.method != http.MethodGet {
		t.Errorf("forwarded request line = %s %s", req.method, req.uri)
	}
	for _, name := range []string{"Connection", "Keep-Alive", "Te", "Trailer", "Transfer-Encoding", "Upgrade", "Proxy-Authorization"} {
		if v := req.header.Get(name); v != "" {
			t.Errorf("hop-by-hop %s forwarded: %q", name, v)
		}
	}
	if req.header.Get("X-Forwarded-For") != "127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q", req.header.Get("X-Forwarded-For"))
	}
	if req.header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", req.header.Get("X-Forwarded-Proto"))
	}
	if req.header.Get("X-Forwarded-Host") != "a.example" {
		t.Errorf("X-Forwarded-Host = %q", req.header.Get("X-Forwarded-Host"))
	}
}

func TestPortQualifiedHostUsesBareHostRoute(t *testing.T) {
	bare, bareGot := recordingUpstream(t, "bare")
	exact, exactGot := recordingUpstream(t, "exact")
	fallback, fallbackGot := recordingUpstream(t, "fallback")
	front := newProxy(t, Options{
		Routes: table(t, map[string]string{
			"a.example":      bare.URL,
			"b.example:8443": exact.URL,
		}),
		Fallback: fallback.URL + "/",
	})

	cases := []struct {
		host string
		want string
		got  chan recorded
	}{
		{"a.example:8080", "bare", bareGot},
		{"b.example:8443", "exact", exactGot},
		{"b.example:9000", "fallback", fallbackGot},
	}
	for _, c := range cases {
		req, _ := http.NewRequest(http.MethodGet, front.URL+"/", nil)
		req.Host = c.host
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", c.host, err)
		}
		resp.Body.Close()
		if resp.Header.Get("X-Upstream") != c.want {
			t.Errorf("%s routed to %q, want %q", c.host, resp.Header.Get("X-Upstream"), c.want)
			continue
		}
		rec := receive(t, c.got)
		if rec.header.Get("X-Forwarded-Host") != c.host {
			t.Errorf("%s: X-Forwarded-Host = %q", c.host, rec.header.Get("X-Forwarded-Host"))
		}
	}
}

func TestUnmappedHostUsesFallback(t *testing.T) {
	mapped, mappedGot := recordingUpstream(t, "mapped")
	fallback, fallbackGot := recordingUpstream(t, "fallback")
	front := newProxy(t, Options{
		Routes:   table(t, map[string]string{"a.example": mapped.URL}),
		Fallback: fallback.URL + "/",
	})

	for _, host := range []string{"unknown.example", "b.example:8080", ""} {
		req, _ := http.NewRequest(http.MethodGet, front.URL+"/path?q=1", nil)
		req.Host = host
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request for %q: %v", host, err)
		}
		resp.Body.Close()
		if resp.Header.Get("X-Upstream") != "fallback" {
			t.Errorf("host %q went to %q", host, resp.Header.Get("X-Upstream"))
		}
		if r := receive(t, fallbackGot); r.uri != "/path?q=1" {
			t.Errorf("fallback uri = %q", r.uri)
		}
	}
	select {
	case r := <-mappedGot:
		t.Errorf("mapped upstream received %+v", r)
	default:
	}
}

func TestHopByHopStripping(t *testing.T) {
	up, got := recordingUpstream(t, "a")
	front := newProxy(t, Options{Fallback: up.URL})

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	req.Header.Set("Connection", "keep-alive, X-Session")
	req.Header.Set("X-Session", "abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	r := receive(t, got)
	for _, name := range []string{"Connection", "X-Session", "Keep-Alive", "Te", "Proxy-Authorization", "Upgrade"} {
		if v := r.header.Get(name); v != "" {
			t.Errorf("%s forwarded upstream: %q", name, v)
		}
	}
	if r.header.Get("Accept") != "application/json" {
		t.Error("end-to-end header dropped")
	}

	if resp.Header.Get("X-Hop") != "" || resp.Header.Get("Keep-Alive") != "" {
		t.Errorf("response hop-by-hop headers leaked: %v", resp.Header)
	}
	if resp.Header.Get("X-Upstream") != "a" {
		t.Error("response end-to-end header dropped")
	}
}

func TestForwardedHeaders(t *testing.T) {
	up, got := recordingUpstream(t, "a")
	front := newProxy(t, Options{Fallback: up.URL, TLS: true})

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 198.51.100.2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	r := receive(t, got)
	if xff := r.header.Get("X-Forwarded-For"); xff != "198.51.100.1, 198.51.100.2, 127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q", xff)
	}
	if r.header.Get("X-Forwarded-Proto") != "https" {
		t.Errorf("X-Forwarded-Proto = %q, want https", r.header.Get("X-Forwarded-Proto"))
	}

	req, _ = http.NewRequest(http.MethodGet, front.URL+"/", nil)
	req.Header.Set("X-Forwarded-Proto", "wss")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if r := receive(t, got); r.header.Get("X-Forwarded-Proto") != "wss" {
		t.Errorf("existing X-Forwarded-Proto overwritten: %q", r.header.Get("X-Forwarded-Proto"))
	}
}

func TestBodyForwardedAndLimited(t *testing.T) {
	up, got := recordingUpstream(t, "a")
	front := newProxy(t, Options{Fallback: up.URL, MaxBodyBytes: 16})

	resp, err := http.Post(front.URL+"/submit", "text/plain", strings.NewReader("small body"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if r := receive(t, got); r.body != "small body" || r.method != http.MethodPost {
		t.Errorf("forwarded %s body %q", r.method, r.body)
	}

	resp, err = http.Post(front.URL+"/submit", "text/plain", strings.NewReader(strings.Repeat("x", 17)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}

	// Chunked bodies have no Content-Length and are caught while buffering.
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte(strings.Repeat("y", 32)))
		pw.Close()
	}()
	resp, err = http.Post(front.URL+"/submit", "text/plain", pr)
	if err != nil {
		t.Fatalf("chunked post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("chunked status = %d, want 413", resp.StatusCode)
	}
	select {
	case r := <-got:
		t.Errorf("oversized body reached upstream: %d bytes", len(r.body))
	default:
	}
}

func TestRateLimited(t *testing.T) {
	up, _ := recordingUpstream(t, "a")
	front := newProxy(t, Options{Fallback: up.URL, Limiter: ratelimit.NewLimiter(0, 1, 1)})

	first, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	first.Body.Close()
	second, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	second.Body.Close()
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("statuses = %d, %d; want 200, 429", first.StatusCode, second.StatusCode)
	}
}

func TestUpstreamDown(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := "http://" + ln.Addr().String()
	ln.Close()
	front := newProxy(t, Options{Fallback: dead})

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestWebSocketUpgradeSplice(t *testing.T) {
	upgrader := websocket.Upgrader{}
	seen := make(chan http.Header, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer up.Close()

	front := newProxy(t, Options{
		Routes:   table(t, map[string]string{"ws.example": up.URL}),
		Fallback: "http://127.0.0.1:1/",
	})

	hdr := http.Header{}
	hdr.Set("Host", "ws.example")
	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/socket"
	c, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer c.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") || !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		t.Errorf("upgrade headers = %q / %q", resp.Header.Get("Upgrade"), resp.Header.Get("Connection"))
	}
	upHdr := <-seen
	if !strings.EqualFold(upHdr.Get("Upgrade"), "websocket") || upHdr.Get("Sec-Websocket-Key") == "" {
		t.Errorf("upstream did not see the upgrade request: %v", upHdr)
	}

	for _, msg := range []string{"one", "two", strings.Repeat("z", 64*1024)} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "echo:"+msg {
			t.Fatalf("spliced message mismatch: got %d bytes", len(got))
		}
	}
}
