// metadata.go: package metadata and the per-module component index
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"strconv"
	"strings"
	"sync"
)

// Well-known metadata keys.
const (
	MetaProcessMap             = "process_map"
	MetaUseDefaultTaskAffinity = "use_default_task_affinity"
	MetaFrameworkVersion       = "framework_version"
)

// Metadata is the resolved package description of a module bundle.
type Metadata struct {
	PackageName      string            `json:"package_name" yaml:"package_name"`
	ProcessName      string            `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	SourceDir        string            `json:"source_dir,omitempty" yaml:"source_dir,omitempty"`
	PublicSourceDir  string            `json:"public_source_dir,omitempty" yaml:"public_source_dir,omitempty"`
	NativeLibDir     string            `json:"native_lib_dir,omitempty" yaml:"native_lib_dir,omitempty"`
	FrameworkVersion int               `json:"framework_version,omitempty" yaml:"framework_version,omitempty"`
	Meta             map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// MetaValue returns a metadata entry.
func (m *Metadata) MetaValue(key string) (string, bool) {
	if m == nil || m.Meta == nil {
		return "", false
	}
	v, ok := m.Meta[key]
	return v, ok
}

// MetaBool returns a boolean metadata entry, or def when it is missing or malformed.
func (m *Metadata) MetaBool(key string, def bool) bool {
	v, ok := m.MetaValue(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// MetaInt returns an integer metadata entry, or def.
func (m *Metadata) MetaInt(key string, def int) int {
	v, ok := m.MetaValue(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// ComponentKind is the kind of a declared component.
type ComponentKind string

const (
	KindActivity ComponentKind = "activity"
	KindService  ComponentKind = "service"
	KindProvider ComponentKind = "provider"
	KindReceiver ComponentKind = "receiver"
)

// Component is one declared component of a module.
type Component struct {
	Kind      ComponentKind `json:"kind" yaml:"kind"`
	Name      string        `json:"name" yaml:"name"`
	Process   string        `json:"process,omitempty" yaml:"process,omitempty"`
	TaskGroup string        `json:"task_group,omitempty" yaml:"task_group,omitempty"`
}

// DeclaredComponents is what a ComponentLister reports for a package.
type DeclaredComponents struct {
	Activities []Component `json:"activities,omitempty" yaml:"activities,omitempty"`
	Services   []Component `json:"services,omitempty" yaml:"services,omitempty"`
	Providers  []Component `json:"providers,omitempty" yaml:"providers,omitempty"`
	Receivers  []Component `json:"receivers,omitempty" yaml:"receivers,omitempty"`
}

// ComponentIndex is the flattened component list of one storage key.
//
// Process and task-group adjustment each run at most once per index; the
// flags are set by the first application and checked by every later one.
type ComponentIndex struct {
	mu                sync.RWMutex
	components        []Component
	processAdjusted   bool
	taskGroupAdjusted bool
}

// NewComponentIndex flattens declared components in provider, activity,
// service, receiver order. Empty processes default to defaultProcess.
func NewComponentIndex(declared *DeclaredComponents, defaultProcess string) *ComponentIndex {
	idx := &ComponentIndex{}
	if declared == nil {
		return idx
	}
	groups := []struct {
		kind  ComponentKind
		items []Component
	}{
		{KindProvider, declared.Providers},
		{KindActivity, declared.Activities},
		{KindService, declared.Services},
		{KindReceiver, declared.Receivers},
	}
	for _, g := range groups {
		for _, c := range g.items {
			c.Kind = g.kind
			if c.Process == "" {
				c.Process = defaultProcess
			}
			idx.components = append(idx.components, c)
		}
	}
	return idx
}

// Components returns a copy of the indexed components.
func (idx *ComponentIndex) Components() []Component {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Component, len(idx.components))
	copy(out, idx.components)
	return out
}

// Len returns the number of indexed components.
func (idx *ComponentIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.components)
}

// Processes returns the distinct declared processes in first-seen order,
// skipping the excluded one.
func (idx *ComponentIndex) Processes(exclude string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]struct{}, len(idx.components))
	var out []string
	for _, c := range idx.components {
		if c.Process == "" || c.Process == exclude {
			continue
		}
		if _, ok := seen[c.Process]; ok {
			continue
		}
		seen[c.Process] = struct{}{}
		out = append(out, c.Process)
	}
	return out
}

// ProcessAdjusted reports whether a process map has been applied.
func (idx *ComponentIndex) ProcessAdjusted() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.processAdjusted
}

// TaskGroupAdjusted reports whether the task-group rule has been applied.
func (idx *ComponentIndex) TaskGroupAdjusted() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.taskGroupAdjusted
}

// ApplyProcessMap rewrites the process of every component found in m.
// It returns false without touching anything when already adjusted.
func (idx *ComponentIndex) ApplyProcessMap(m ProcessSlotMap) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.processAdjusted {
		return false
	}
	idx.processAdjusted = true
	for i := range idx.components {
		if to, ok := m[idx.components[i].Process]; ok {
			idx.components[i].Process = to
		}
	}
	return true
}

// ApplyTaskGroup rewrites task groups equal to from into to. An empty task
// group is the package default and counts as from. It returns false when
// already adjusted.
func (idx *ComponentIndex) ApplyTaskGroup(from, to string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.taskGroupAdjusted {
		return false
	}
	idx.taskGroupAdjusted = true
	for i := range idx.components {
		if tg := idx.components[i].TaskGroup; tg == from || tg == "" {
			idx.components[i].TaskGroup = to
		}
	}
	return true
}
