package splice

import (
	"context"
	"io"
	"time"

	"github.com/matst80/burrow/internal/obs"
)

// Metered runs DuplexCopy and records it under kind ("tunnel", "upgrade") in
// the splice metrics. a is treated as the inbound side.
func Metered(ctx context.Context, kind string, a, b io.ReadWriteCloser) (Result, error) {
	obs.ActiveSplices.WithLabelValues(kind).Inc()
	defer obs.ActiveSplices.WithLabelValues(kind).Dec()
	start := time.Now()
	res, err := DuplexCopy(ctx, a, b)
	obs.SpliceDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	obs.SpliceBytesTotal.WithLabelValues(kind, "in").Add(float64(res.AToB))
	obs.SpliceBytesTotal.WithLabelValues(kind, "out").Add(float64(res.BToA))
	return res, err
}
