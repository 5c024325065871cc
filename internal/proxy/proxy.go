// Package proxy forwards inbound HTTP requests to a per-host upstream and
// splices the connection through when the upstream switches protocols.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/routes"
	"github.com/matst80/burrow/internal/splice"
	"github.com/matst80/burrow/internal/web"
)

// Options configures a Handler.
type Options struct {
	// Routes maps Host to upstream; nil sends everything to Fallback.
	Routes routes.Resolver
	// Fallback is the upstream for unmapped hosts.
	Fallback string
	// MaxBodyBytes caps the buffered request body.
	MaxBodyBytes int64
	// TLS marks the listener as TLS-terminated (X-Forwarded-Proto: https).
	TLS bool
	// Limiter throttles requests per client IP; nil disables it.
	Limiter *ratelimit.Limiter
	// Transport sends upstream requests; nil uses NewTransport().
	Transport http.RoundTripper
}

// Handler is an http.Handler that reverse-proxies every request.
type Handler struct {
	routes    routes.Resolver
	fallback  *url.URL
	maxBody   int64
	tls       bool
	limiter   *ratelimit.Limiter
	transport http.RoundTripper
	policy    httpx.HeaderPolicy

	ctx context.Context
	wg  sync.WaitGroup
}

// New builds a Handler. Upgraded connections are torn down when ctx is done.
func New(ctx context.Context, opts Options) (*Handler, error) {
	fallback, err := routes.ParseUpstream(opts.Fallback)
	if err != nil {
		return nil, fmt.Errorf("proxy: fallback: %w", err)
	}
	if opts.MaxBodyBytes <= 0 {
		return nil, errors.New("proxy: MaxBodyBytes must be positive")
	}
	t := opts.Transport
	if t == nil {
		t = NewTransport()
	}
	return &Handler{
		routes:    opts.Routes,
		fallback:  fallback,
		maxBody:   opts.MaxBodyBytes,
		tls:       opts.TLS,
		limiter:   opts.Limiter,
		transport: t,
		policy:    httpx.NewHeaderPolicy(),
		ctx:       ctx,
	}, nil
}

// NewTransport returns the upstream transport: HTTP/1.1 only, so upgrades
// work, and without transparent compression, so bodies pass through as sent.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

// Wait blocks until every upgraded connection has been closed.
func (h *Handler) Wait() { h.wg.Wait() }

var errBodyTooLarge = errors.New("proxy: request body too large")

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := httpx.RemoteIP(r.RemoteAddr)
	if !h.limiter.Allow(clientIP) {
		obs.ProxyRateLimitedTotal.Inc()
		h.fail(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	upstream := h.resolve(r.Context(), r.Host)
	out, err := h.rewrite(r, upstream, clientIP)
	if errors.Is(err, errBodyTooLarge) {
		obs.ErrorsTotal.WithLabelValues("body_too_large").Inc()
		h.fail(w, r, http.StatusRequestEntityTooLarge, "")
		return
	}
	if err != nil {
		obs.Error("proxy.request", obs.Fields{"host": r.Host, "err": err})
		h.fail(w, r, http.StatusBadRequest, "")
		return
	}

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("upstream").Inc()
		obs.Error("proxy.upstream", obs.Fields{"host": r.Host, "upstream": upstream.Host, "err": err})
		h.fail(w, r, http.StatusBadGateway, "upstream unavailable")
		return
	}
	obs.Debug("proxy.response", obs.Fields{
		"method":   r.Method,
		"host":     r.Host,
		"path":     r.URL.Path,
		"upstream": upstream.Host,
		"status":   resp.StatusCode,
	})

	if resp.StatusCode == http.StatusSwitchingProtocols {
		h.upgrade(w, r, resp)
		return
	}
	defer resp.Body.Close()
	h.policy.Strip(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	obs.ProxyRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	if _, err := io.Copy(w, resp.Body); err != nil && !splice.IsExpectedCloseError(err) {
		obs.Debug("proxy.body_copy", obs.Fields{"host": r.Host, "err": err})
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	obs.ProxyRequestsTotal.WithLabelValues(statusClass(status)).Inc()
	web.Error(w, r, status, msg)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func (h *Handler) resolve(ctx context.Context, host string) *url.URL {
	if h.routes == nil {
		return h.fallback
	}
	u, err := h.routes.Resolve(ctx, host)
	if err != nil {
		return h.fallback
	}
	return u
}

// rewrite builds the upstream request: same method and path+query, the
// upstream's scheme and authority, hop-by-hop headers removed and the
// forwarding headers added. The body is read fully, up to maxBody.
func (h *Handler) rewrite(r *http.Request, upstream *url.URL, clientIP string) (*http.Request, error) {
	if r.ContentLength > h.maxBody {
		return nil, errBodyTooLarge
	}
	var body io.Reader = http.NoBody
	var size int64
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > h.maxBody {
			return nil, errBodyTooLarge
		}
		if len(data) > 0 {
			body = bytes.NewReader(data)
			size = int64(len(data))
		}
	}

	target := &url.URL{
		Scheme:   upstream.Scheme,
		Host:     upstream.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	upgrade := httpx.UpgradeType(r.Header)
	ctx := r.Context()
	if upgrade != "" {
		// The upstream connection outlives this request once it is spliced.
		ctx = context.WithoutCancel(ctx)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = size
	out.Proto, out.ProtoMajor, out.ProtoMinor = r.Proto, r.ProtoMajor, r.ProtoMinor

	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	h.policy.Strip(out.Header)
	if upgrade != "" {
		httpx.SetUpgrade(out.Header, upgrade)
	}
	httpx.AppendForwardedFor(out.Header, clientIP)
	if out.Header.Get("X-Forwarded-Proto") == "" {
		if h.tls {
			out.Header.Set("X-Forwarded-Proto", "https")
		} else {
			out.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	if out.Header.Get("X-Forwarded-Host") == "" && r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	return out, nil
}

// upgrade answers the client with the upstream's 101 and splices the two
// connections in the background.
func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		h.fail(w, r, http.StatusBadGateway, "upstream upgrade not usable")
		return
	}
	protocol := resp.Header.Get("Upgrade")
	h.policy.Strip(resp.Header)
	if protocol != "" {
		httpx.SetUpgrade(resp.Header, protocol)
	}

	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		obs.Error("proxy.hijack", obs.Fields{"host": r.Host, "err": err})
		h.fail(w, r, http.StatusInternalServerError, "")
		return
	}
	if err := writeHead(brw.Writer, resp); err != nil {
		conn.Close()
		upstream.Close()
		obs.Error("proxy.upgrade_write", obs.Fields{"host": r.Host, "err": err})
		return
	}
	obs.ProxyUpgradesTotal.Inc()
	obs.ProxyRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	client := &hijackedConn{Conn: conn, r: brw.Reader}
	host := r.Host
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := splice.Metered(h.ctx, "upgrade", client, upstream)
		fields := obs.Fields{"host": host, "protocol": protocol, "in": res.AToB, "out": res.BToA}
		if err != nil && !splice.IsExpectedCloseError(err) && !errors.Is(err, context.Canceled) {
			fields["err"] = err
			obs.Error("proxy.upgrade", fields)
			return
		}
		obs.Debug("proxy.upgrade_closed", fields)
	}()
}

func writeHead(bw *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// hijackedConn reads through the server's buffered reader so bytes the
// client sent right after its request are not lost.
type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *hijackedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *hijackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
