package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProxyRequestsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_proxy_requests_total", Help: "Proxied requests by status class"}, []string{"class"})
	ProxyUpgradesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_proxy_upgrades_total", Help: "Requests switched to a raw splice after 101"})
	ProxyRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_proxy_rate_limited_total", Help: "Requests rejected by the per-client limiter"})
	TLSHandshakesTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_tls_handshakes_total", Help: "Inbound TLS handshakes by result"}, []string{"result"})
	TunnelAcceptsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_tunnel_accepts_total", Help: "Forwarded channels accepted"})
	TunnelRejectedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_tunnel_rejected_total", Help: "Forwarded channels dropped by the connection limiter"})
	ActiveSplices         = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "burrow_active_splices", Help: "Running duplex copies"}, []string{"kind"})
	SpliceBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_splice_bytes_total", Help: "Bytes moved by duplex copies"}, []string{"kind", "direction"})
	SpliceDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "burrow_splice_duration_seconds", Help: "Duplex copy lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"kind"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_errors_total", Help: "Errors by type"}, []string{"type"})
)
