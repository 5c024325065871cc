package routes

import (
	"context"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matst80/burrow/internal/obs"
)

// Table is an in-memory host → upstream map that can be swapped atomically.
type Table struct {
	m atomic.Pointer[map[string]*url.URL]
}

// NewTable builds a table from host → upstream URI pairs.
func NewTable(servers map[string]string) (*Table, error) {
	t := &Table{}
	if err := t.Replace(servers); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace validates every entry and then swaps the whole map in. On error
// the previous map stays in place.
func (t *Table) Replace(servers map[string]string) error {
	next := make(map[string]*url.URL, len(servers))
	for host, raw := range servers {
		u, err := ParseUpstream(raw)
		if err != nil {
			return err
		}
		if keys := CandidateHosts(host); len(keys) > 0 {
			next[keys[0]] = u
		}
	}
	t.m.Store(&next)
	return nil
}

// Len is the number of mapped hosts.
func (t *Table) Len() int {
	m := t.m.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Resolve implements Resolver.
func (t *Table) Resolve(_ context.Context, host string) (*url.URL, error) {
	m := t.m.Load()
	if m == nil {
		return nil, ErrNoRoute
	}
	for _, k := range CandidateHosts(host) {
		if u, ok := (*m)[k]; ok {
			return u, nil
		}
	}
	return nil, ErrNoRoute
}

// LoadFunc reads the host → upstream pairs from a file.
type LoadFunc func(path string) (map[string]string, error)

// watchDebounce coalesces the bursts of events a single save produces
// (truncate, write, chmod) into one reload of the finished file.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the table whenever path changes until ctx is done. The
// containing directory is watched so editors that replace the file by rename
// are picked up. A reload that fails keeps the current table.
func (t *Table) Watch(ctx context.Context, path string, load LoadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)
		case <-debounce.C:
			t.reload(abs, load)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Error("routes.watch", obs.Fields{"path": abs, "err": err})
		}
	}
}

func (t *Table) reload(path string, load LoadFunc) {
	servers, err := load(path)
	if err == nil {
		err = t.Replace(servers)
	}
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("config_reload").Inc()
		obs.Error("routes.reload", obs.Fields{"path": path, "err": err})
		return
	}
	obs.Info("routes.reloaded", obs.Fields{"path": path, "hosts": t.Len()})
}
