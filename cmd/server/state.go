package main

import "sync/atomic"

// serverState tracks lifecycle for /readyz.
type serverState struct {
	ready   atomic.Bool
	closing atomic.Bool
}

func (s *serverState) isReady() bool   { return s.ready.Load() }
func (s *serverState) isClosing() bool { return s.closing.Load() }
