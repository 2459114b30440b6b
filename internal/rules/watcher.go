package rules

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider hands out the current rule tables. Components read Current() once
// per batch so a reload never changes the rules mid-batch.
type Provider struct {
	path    string
	current atomic.Pointer[Tables]
	logger  *zap.Logger

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewProvider loads the rule file at path (defaults when path is empty).
func NewProvider(path string, logger *zap.Logger) (*Provider, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(t)
	p.logWarnings(t)
	return p, nil
}

// Static wraps fixed tables in a Provider that never reloads.
func Static(t *Tables) *Provider {
	p := &Provider{logger: zap.NewNop()}
	p.current.Store(t)
	return p
}

// Current returns the tables in effect.
func (p *Provider) Current() *Tables {
	return p.current.Load()
}

// Path returns the watched file, or "" for built-in or static tables.
func (p *Provider) Path() string { return p.path }

// Reload re-reads the rule file. On failure the previous tables stay in
// effect and the error is returned.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	t, err := Load(p.path)
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("rule tables reload failed, keeping previous tables",
			zap.String("path", p.path),
			zap.Error(err),
		)
		return err
	}
	p.current.Store(t)
	p.reloads.Add(1)
	p.logger.Info("rule tables reloaded", zap.String("path", p.path))
	p.logWarnings(t)
	return nil
}

// Reloads returns the number of successful and failed reloads.
func (p *Provider) Reloads() (ok, failed int64) {
	return p.reloads.Load(), p.failures.Load()
}

func (p *Provider) logWarnings(t *Tables) {
	for _, w := range t.Warnings() {
		p.logger.Warn("rule tables", zap.String("warning", w))
	}
}

// Watch reloads the tables whenever the rule file changes, until ctx is done.
// The containing directory is watched so editors that replace the file by
// rename are picked up. Bursts of events are debounced.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Split(filepath.Clean(p.path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	p.logger.Info("watching rule tables", zap.String("path", p.path))

	const settle = 300 * time.Millisecond
	var pending time.Time
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) > settle {
				pending = time.Time{}
				_ = p.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("rule tables watch error", zap.Error(err))
		}
	}
}
