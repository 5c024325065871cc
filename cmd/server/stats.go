package main

import (
	"time"

	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/routes"
)

// Stats represents current server stats for the state API.
type Stats struct {
	Routes         int    `json:"routes"`
	Fallback       string `json:"fallback"`
	TrackedClients int    `json:"tracked_clients"`
	Ready          bool   `json:"ready"`
	Now            string `json:"now"`
}

type statsSource struct {
	state    *serverState
	table    *routes.Table
	limiter  *ratelimit.Limiter
	store    routeStore
	fallback string
}

func (s statsSource) collect() Stats {
	st := Stats{
		Fallback: s.fallback,
		Ready:    s.state.isReady() && !s.state.isClosing(),
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
	if s.table != nil {
		st.Routes = s.table.Len()
	}
	if s.limiter != nil {
		st.TrackedClients = s.limiter.Len()
	}
	return st
}
