// status.go: file-backed module status table with Argus hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// StatusEntry sets the status of one module version. Version zero applies
// to every version without an exact entry.
type StatusEntry struct {
	Name    string       `json:"name" yaml:"name"`
	Version int          `json:"version,omitempty" yaml:"version,omitempty"`
	Status  ModuleStatus `json:"status" yaml:"status"`
}

// StatusFile is the on-disk shape of a status table.
//
// Example YAML:
//
//	modules:
//	  - name: webview
//	    version: 3
//	    status: -1
type StatusFile struct {
	Modules []StatusEntry `json:"modules" yaml:"modules"`
}

type statusKey struct {
	name    string
	version int
}

// StatusTable is a StatusProvider over an in-memory table. Lookups never
// block; Replace swaps the whole table atomically.
type StatusTable struct {
	entries atomic.Pointer[map[statusKey]ModuleStatus]
}

// NewStatusTable builds a table from entries.
func NewStatusTable(entries []StatusEntry) *StatusTable {
	t := &StatusTable{}
	t.Replace(entries)
	return t
}

// Replace swaps in a new set of entries.
func (t *StatusTable) Replace(entries []StatusEntry) {
	m := make(map[statusKey]ModuleStatus, len(entries))
	for _, e := range entries {
		m[statusKey{e.Name, e.Version}] = e.Status
	}
	t.entries.Store(&m)
}

// Len returns the number of entries.
func (t *StatusTable) Len() int {
	if m := t.entries.Load(); m != nil {
		return len(*m)
	}
	return 0
}

// ModuleStatus implements StatusProvider. Unknown modules are enabled.
func (t *StatusTable) ModuleStatus(name string, version int) ModuleStatus {
	m := t.entries.Load()
	if m == nil {
		return StatusOK
	}
	if s, ok := (*m)[statusKey{name, version}]; ok {
		return s
	}
	if s, ok := (*m)[statusKey{name, 0}]; ok {
		return s
	}
	return StatusOK
}

// LoadStatusFile reads a JSON, YAML or TOML status file.
func LoadStatusFile(path string) ([]StatusEntry, error) {
	clean, err := validateConfigPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(clean) // #nosec G304 - path is validated above
	if err != nil {
		return nil, NewStatusTableError(clean, err)
	}
	var file StatusFile
	if err := parseConfigBytes(raw, argus.DetectFormat(clean), &file); err != nil {
		return nil, NewStatusTableError(clean, err)
	}
	for i, e := range file.Modules {
		if e.Name == "" {
			return nil, NewStatusTableError(clean, fmt.Errorf("entry %d has no module name", i))
		}
	}
	return file.Modules, nil
}

// StatusWatcherOptions tunes the Argus watcher behind a StatusWatcher.
type StatusWatcherOptions struct {
	PollInterval time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	CacheTTL     time.Duration     `json:"cache_ttl" yaml:"cache_ttl"`
	Audit        argus.AuditConfig `json:"audit" yaml:"audit"`
}

// DefaultStatusWatcherOptions polls every second with auditing off.
func DefaultStatusWatcherOptions() StatusWatcherOptions {
	return StatusWatcherOptions{
		PollInterval: time.Second,
		CacheTTL:     500 * time.Millisecond,
		Audit:        argus.AuditConfig{Enabled: false},
	}
}

// StatusWatcher keeps a StatusTable in sync with its file.
//
//	w, err := NewStatusWatcher("/etc/modloader/status.yaml", DefaultStatusWatcherOptions(), logger)
//	if err != nil { ... }
//	defer w.Stop()
//	collab.Status = w.Table()
type StatusWatcher struct {
	path    string
	table   *StatusTable
	watcher *argus.Watcher
	logger  Logger
	options StatusWatcherOptions

	reloads atomic.Int64

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mutex    sync.Mutex
}

// NewStatusWatcher loads path once and prepares a watcher for it.
func NewStatusWatcher(path string, options StatusWatcherOptions, logger Logger) (*StatusWatcher, error) {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultStatusWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}
	log := NewLogger(logger)
	entries, err := LoadStatusFile(path)
	if err != nil {
		return nil, err
	}
	w := &StatusWatcher{
		path:    path,
		table:   NewStatusTable(entries),
		logger:  log,
		options: options,
	}
	w.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                options.Audit,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			log.Error("Status file watching error", "error", err, "file", file)
		},
	})
	return w, nil
}

// Table returns the table kept in sync with the file.
func (w *StatusWatcher) Table() *StatusTable { return w.table }

// Reloads returns how many successful reloads happened since Start.
func (w *StatusWatcher) Reloads() int64 { return w.reloads.Load() }

// Start begins watching. A stopped watcher cannot be restarted.
func (w *StatusWatcher) Start() error {
	if w.stopped.Load() {
		return fmt.Errorf("status watcher has been permanently stopped and cannot be restarted")
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.enabled.CompareAndSwap(false, true) {
		return fmt.Errorf("status watcher is already running")
	}
	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		w.enabled.Store(false)
		return NewStatusTableError(w.path, err)
	}
	if err := w.watcher.Start(); err != nil {
		w.enabled.Store(false)
		return NewStatusTableError(w.path, err)
	}
	w.logger.Info("Status watcher started", "path", w.path, "poll_interval", w.options.PollInterval)
	return nil
}

// Stop ends watching. It is safe to call more than once.
func (w *StatusWatcher) Stop() error {
	if w.stopped.Load() {
		return nil
	}
	var stopErr error
	w.stopOnce.Do(func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()

		w.stopped.Store(true)
		if !w.enabled.CompareAndSwap(true, false) {
			return
		}
		if err := w.watcher.Stop(); err != nil {
			stopErr = fmt.Errorf("failed to stop Argus watcher: %w", err)
			return
		}
		w.logger.Info("Status watcher stopped", "path", w.path)
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (w *StatusWatcher) IsRunning() bool {
	return w.enabled.Load() && !w.stopped.Load()
}

// handleChange reloads the table. A deleted or malformed file keeps the
// previous table in place.
func (w *StatusWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Status file was deleted, keeping previous table", "path", event.Path)
		return
	}
	entries, err := LoadStatusFile(event.Path)
	if err != nil {
		w.logger.Error("Failed to reload status file", "path", event.Path, "error", err)
		return
	}
	w.reload(entries)
}

func (w *StatusWatcher) reload(entries []StatusEntry) {
	w.table.Replace(entries)
	w.reloads.Add(1)
	w.logger.Info("Status table reloaded", "path", w.path, "entries", len(entries))
}
