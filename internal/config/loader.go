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

package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/kernelbroker/kernelbroker/internal/logger"
)

// Loader loads a Config from an optional YAML file overlaid with
// KERNELBROKER_-prefixed environment variables, and can watch the file
// for changes.
type Loader struct {
	path     string
	watch    bool
	onChange func(*Config)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewLoader creates a Loader for the given config file path. path may
// be empty, in which case Load returns Default() overlaid with env vars.
func NewLoader(path string, watch bool) *Loader {
	return &Loader{path: path, watch: watch}
}

// OnChange registers a callback invoked with the reloaded config
// whenever the watched file changes. Only effective when watch=true.
func (l *Loader) OnChange(fn func(*Config)) {
	l.onChange = fn
}

// Load reads the configuration once.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if l.path != "" {
		if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", l.path, err)
		}
	}

	if err := k.Load(env.Provider("KERNELBROKER_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "KERNELBROKER_"))
		for _, section := range []string{"tool_server", "kernel_gateway", "kernel_client", "coordinator", "observability"} {
			if strings.HasPrefix(s, section+"_") {
				return section + "." + strings.TrimPrefix(s, section+"_")
			}
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// Watch starts watching the config file for changes, invoking
// OnChange's callback (if set) with the reloaded config. It is a no-op
// if the loader has no path or was not constructed with watch=true.
func (l *Loader) Watch() error {
	if !l.watch || l.path == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %q: %w", l.path, err)
	}

	l.watcher = watcher
	l.stopChan = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	log := logger.Get()
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := l.Load()
			if err != nil {
				log.Error("config reload failed", "error", err, "path", l.path)
				continue
			}
			if l.onChange != nil {
				l.onChange(cfg)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Error("config watcher error", "error", err)
		case <-l.stopChan:
			return
		}
	}
}

// Stop stops watching the config file.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopChan != nil {
		close(l.stopChan)
		l.stopChan = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
}
