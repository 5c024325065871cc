package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func metricsMux(src statsSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.collect())
	})
	mux.HandleFunc("/api/routes", func(w http.ResponseWriter, r *http.Request) {
		serveRoutes(w, r, src.store)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if src.state.isClosing() || !src.state.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves Prometheus metrics plus health and state endpoints.
func startMetricsServer(addr string, src statsSource) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsMux(src), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}

// routeStore publishes routes to the store shared by every proxy instance.
type routeStore interface {
	Set(ctx context.Context, host, upstream string) error
	Delete(ctx context.Context, host string) error
}

type routeBody struct {
	Host     string `json:"host"`
	Upstream string `json:"upstream"`
}

// serveRoutes handles PUT {host, upstream} and DELETE ?host= against the
// shared store. It lives on the metrics listener, which is not public.
func serveRoutes(w http.ResponseWriter, r *http.Request, store routeStore) {
	if store == nil {
		http.Error(w, "no shared route store configured", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body routeBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil || body.Host == "" {
			http.Error(w, "expected {\"host\", \"upstream\"}", http.StatusBadRequest)
			return
		}
		if err := store.Set(r.Context(), body.Host, body.Upstream); err != nil {
			obs.Error("routes.set", obs.Fields{"host": body.Host, "err": err.Error()})
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		obs.Info("routes.set", obs.Fields{"host": body.Host, "upstream": body.Upstream})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		host := r.URL.Query().Get("host")
		if host == "" {
			http.Error(w, "missing host", http.StatusBadRequest)
			return
		}
		if err := store.Delete(r.Context(), host); err != nil {
			obs.Error("routes.delete", obs.Fields{"host": host, "err": err.Error()})
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		obs.Info("routes.delete", obs.Fields{"host": host})
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "PUT, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
