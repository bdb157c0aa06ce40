// Copyright 2025 The Kernelbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry tracks named remote tool provider bindings,
// persisted as TOML, per SPEC_FULL.md §10.2. Grounded on
// _examples/nevindra-oasis/internal/config/config.go's
// BurntSushi/toml load/save idiom and
// _examples/kadirpekel-hector's fsnotify.NewWatcher usage in
// internal/config for hot-reload.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/kernelbroker/kernelbroker/internal/logger"
)

// Entry is one registered remote tool provider, keyed by server_name.
type Entry struct {
	Name   string         `toml:"name"`
	Params map[string]any `toml:"params"`
}

type document struct {
	Providers map[string]Entry `toml:"providers"`
}

// Registry is a TOML-backed, concurrency-safe map of server_name to
// provider.ServerParams-shaped connection parameters.
type Registry struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads path if it exists, or starts empty if it doesn't.
func New(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		log:     logger.Get().With("component", "registry"),
		entries: make(map[string]Entry),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.Providers == nil {
		doc.Providers = make(map[string]Entry)
	}
	r.entries = doc.Providers
	return nil
}

func (r *Registry) save() error {
	r.mu.RLock()
	doc := document{Providers: r.entries}
	r.mu.RUnlock()

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Register adds or replaces a provider entry and persists the
// registry to disk.
func (r *Registry) Register(name string, params map[string]any) error {
	r.mu.Lock()
	r.entries[name] = Entry{Name: name, Params: params}
	r.mu.Unlock()
	return r.save()
}

// Unregister removes a provider entry and persists the change.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	return r.save()
}

// Get returns the entry registered under name, if any.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns every registered entry.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Watch reloads the registry whenever its backing file changes on
// disk, so that edits made by another process (or a sibling
// kernelbroker instance) are picked up without a restart.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch registry dir: %w", err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.load(); err != nil {
				r.log.Warn("registry reload failed", "error", err)
			} else {
				r.log.Info("registry reloaded", "path", r.path)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("registry watcher error", "error", err)
		}
	}
}

// Close stops the watch goroutine, if started.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}
