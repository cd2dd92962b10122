package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 250 * time.Millisecond

// File is the on-disk format of a persona override file:
//
//	personas:
//	  - id: agent-lead
//	    name: Dr. Atlas
//	    systemPrompt: |
//	      You are ...
type File struct {
	Personas []Persona `yaml:"personas"`
}

// LoadFile reads a persona override file and merges it over the built-in
// roster. Entries with a known id replace only the fields they set; entries
// with a new id are appended. A missing file yields the built-ins.
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Builtin(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	return Merge(Builtin(), f.Personas)
}

// Merge applies overrides to base.
func Merge(base, overrides []Persona) ([]Persona, error) {
	out := append([]Persona(nil), base...)
	for i, o := range overrides {
		if o.ID == "" {
			return nil, fmt.Errorf("persona %d: id is required", i)
		}
		idx := -1
		for j := range out {
			if out[j].ID == o.ID {
				idx = j
				break
			}
		}
		if idx < 0 {
			if o.Name == "" || o.SystemPrompt == "" {
				return nil, fmt.Errorf("persona %s: name and systemPrompt are required for new personas", o.ID)
			}
			out = append(out, o)
			continue
		}
		p := &out[idx]
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.Role != "" {
			p.Role = o.Role
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.Color != "" {
			p.Color = o.Color
		}
		if o.SystemPrompt != "" {
			p.SystemPrompt = o.SystemPrompt
		}
	}
	return out, nil
}

// Watch reloads path into r whenever the file changes, until ctx is done.
// A file that fails to parse is logged and the current roster is kept.
func Watch(ctx context.Context, path string, r *Registry, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("persona watcher error", "err", err)
			case <-fire:
				fire = nil
				personas, err := LoadFile(path)
				if err != nil {
					logger.Warn("persona reload failed, keeping current roster", "path", path, "err", err)
					continue
				}
				r.Replace(personas)
				logger.Info("personas reloaded", "path", path, "count", len(personas))
			}
		}
	}()
	return nil
}
