// handle.go: live load state of one module
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sync"
	"sync/atomic"
)

// ModuleHandle is the mutable state of one module in this process.
//
// loadMu serializes every load call on the handle end to end, so the
// initialized check-and-set and the pipeline run never interleave.
// stateMu only guards field access, so readers never wait for a load.
type ModuleHandle struct {
	coord  *LoadCoordinator
	parent CodeLoader

	loadMu sync.Mutex

	stateMu     sync.RWMutex
	desc        ModuleDescriptor
	initialized bool
	loader      *ModuleLoader

	needRestart atomic.Bool

	appMu      sync.Mutex
	appClaimed bool
	app        ModuleApplication
}

func newModuleHandle(coord *LoadCoordinator, desc ModuleDescriptor, parent CodeLoader) *ModuleHandle {
	return &ModuleHandle{coord: coord, desc: desc, parent: parent}
}

// Name returns the canonical module name.
func (h *ModuleHandle) Name() string {
	return h.Descriptor().Name
}

// Descriptor returns a copy of the current descriptor.
func (h *ModuleHandle) Descriptor() ModuleDescriptor {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.desc
}

func (h *ModuleHandle) setDescriptor(d ModuleDescriptor) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.desc = d
}

// replaceDescriptor swaps in d when it may supersede the current one.
func (h *ModuleHandle) replaceDescriptor(d ModuleDescriptor) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if !d.CanReplace(h.desc) {
		return false
	}
	h.desc = d
	return true
}

// IsInitialized reports whether a load has been attempted on this handle.
func (h *ModuleHandle) IsInitialized() bool {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.initialized
}

func (h *ModuleHandle) markInitialized() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.initialized = true
}

// Loader returns the current stage loader, or nil.
func (h *ModuleHandle) Loader() *ModuleLoader {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.loader
}

func (h *ModuleHandle) setLoader(l *ModuleLoader) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.loader = l
}

// IsLoaded reports whether the handle has reached stage.
func (h *ModuleHandle) IsLoaded(stage Stage) bool {
	l := h.Loader()
	return l != nil && l.IsLoaded(stage)
}

// CodeLoader returns the handle's code loader, or nil before the code stage.
func (h *ModuleHandle) CodeLoader() CodeLoader {
	if l := h.Loader(); l != nil {
		return l.CodeLoader()
	}
	return nil
}

// Entry returns the activated entry object, or nil.
func (h *ModuleHandle) Entry() ModuleEntry {
	if l := h.Loader(); l != nil {
		entry, _ := l.Entry()
		return entry
	}
	return nil
}

// NeedsRestart reports whether a newer version was installed while this
// handle was already loaded.
func (h *ModuleHandle) NeedsRestart() bool {
	return h.needRestart.Load()
}

// Load brings the handle to stage through its coordinator.
func (h *ModuleHandle) Load(stage Stage, useCache bool) bool {
	return h.coord.Load(h, stage, useCache)
}

// cloneAndReattach returns a fresh, uninitialized handle for the same
// descriptor bound to parent.
func (h *ModuleHandle) cloneAndReattach(parent CodeLoader) *ModuleHandle {
	return newModuleHandle(h.coord, h.Descriptor(), parent)
}

// claimApplication reserves the one application start of the handle.
func (h *ModuleHandle) claimApplication() bool {
	h.appMu.Lock()
	defer h.appMu.Unlock()
	if h.appClaimed {
		return false
	}
	h.appClaimed = true
	return true
}

func (h *ModuleHandle) setApplication(app ModuleApplication) {
	h.appMu.Lock()
	defer h.appMu.Unlock()
	h.app = app
}

// Application returns the running module application, or nil.
func (h *ModuleHandle) Application() ModuleApplication {
	h.appMu.Lock()
	defer h.appMu.Unlock()
	return h.app
}
