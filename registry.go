// registry.go: table of known modules and the public load entry points
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"sort"
	"sync"
)

// ModuleRegistry is the process-wide table of modules, indexed by
// canonical name, alias and package name.
type ModuleRegistry struct {
	coord  *LoadCoordinator
	parent CodeLoader
	logger Logger

	mu      sync.RWMutex
	handles map[string]*ModuleHandle
}

// NewModuleRegistry creates a registry over coord. parent is the host code
// loader handed to every module's code loader factory.
func NewModuleRegistry(coord *LoadCoordinator, parent CodeLoader) *ModuleRegistry {
	r := &ModuleRegistry{
		coord:   coord,
		parent:  parent,
		logger:  coord.logger,
		handles: make(map[string]*ModuleHandle),
	}
	coord.setCommunicator(r)
	return r
}

// Coordinator returns the coordinator behind the registry.
func (r *ModuleRegistry) Coordinator() *LoadCoordinator { return r.coord }

func (r *ModuleRegistry) keysOf(d ModuleDescriptor) []string {
	keys := []string{d.Name}
	if d.Alias != "" && d.Alias != d.Name {
		keys = append(keys, d.Alias)
	}
	if d.PackageName != "" && d.PackageName != d.Name && d.PackageName != d.Alias {
		keys = append(keys, d.PackageName)
	}
	return keys
}

// findLocked returns the first handle registered under any key of d.
func (r *ModuleRegistry) findLocked(d ModuleDescriptor) *ModuleHandle {
	for _, k := range r.keysOf(d) {
		if h, ok := r.handles[k]; ok {
			return h
		}
	}
	return nil
}

// Insert registers d. An existing entry is replaced only by a descriptor
// that may supersede it; a handle that has already been loaded is never
// swapped and is marked as needing a restart instead.
func (r *ModuleRegistry) Insert(d ModuleDescriptor) bool {
	if err := d.Validate(); err != nil {
		r.logger.Warn("Module descriptor rejected", "module", d.Name, "error", err)
		return false
	}

	r.mu.Lock()
	existing := r.findLocked(d)
	if existing != nil {
		old := existing.Descriptor()
		if !d.CanReplace(old) {
			r.mu.Unlock()
			r.logger.Debug("Module insert ignored, existing entry is current",
				"module", d.Name, "version", d.Version, "existing_version", old.Version)
			return false
		}
		if existing.IsInitialized() {
			existing.needRestart.Store(true)
			r.mu.Unlock()
			r.logger.Info("Newer module version installed, restart required",
				"module", d.Name, "version", d.Version, "running_version", old.Version)
			return false
		}
		for _, k := range r.keysOf(old) {
			if r.handles[k] == existing {
				delete(r.handles, k)
			}
		}
	}
	h := r.coord.NewHandle(d, r.parent)
	for _, k := range r.keysOf(d) {
		r.handles[k] = h
	}
	r.mu.Unlock()

	r.logger.Info("Module registered", "module", d.Name, "version", d.Version, "type", d.Type)
	r.coord.events.emit(EventModuleInserted, LoadEventData{Module: d.Name, Version: d.Version})
	return true
}

// Remove unregisters a module and drops its cached artifacts.
func (r *ModuleRegistry) Remove(name string) bool {
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	d := h.Descriptor()
	for k, v := range r.handles {
		if v == h {
			delete(r.handles, k)
		}
	}
	r.mu.Unlock()

	r.coord.invalidate(h)
	r.coord.env.identity.Forget(d.Name)
	r.logger.Info("Module removed", "module", d.Name)
	r.coord.events.emit(EventModuleRemoved, LoadEventData{Module: d.Name, Version: d.Version})
	return true
}

// ReplaceDescriptor upgrades the descriptor of a registered module in
// place, keeping its handle and load state.
func (r *ModuleRegistry) ReplaceDescriptor(name string, d ModuleDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return NewModuleNotFoundError(name)
	}
	old := h.Descriptor()
	if !h.replaceDescriptor(d) {
		r.mu.Unlock()
		return NewReplaceRejectedError(name, old.Version, d.Version)
	}
	for _, k := range r.keysOf(old) {
		if r.handles[k] == h {
			delete(r.handles, k)
		}
	}
	for _, k := range r.keysOf(d) {
		r.handles[k] = h
	}
	r.mu.Unlock()

	env := r.coord.env
	if oldKey := env.cacheKey(old); oldKey != env.cacheKey(d) {
		env.cache.Invalidate(oldKey)
		if key, ok := env.identity.StorageKey(old.Name); ok && key == oldKey {
			env.identity.Forget(old.Name)
		}
	}
	r.logger.Debug("Module descriptor replaced", "module", name, "path", d.Path, "type", d.Type)
	return nil
}

// Get returns the current handle registered under name, alias or package.
func (r *ModuleRegistry) Get(name string) (*ModuleHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// List returns the descriptors of all registered modules, sorted by name.
func (r *ModuleRegistry) List() []ModuleDescriptor {
	r.mu.RLock()
	seen := make(map[*ModuleHandle]struct{}, len(r.handles))
	out := make([]ModuleDescriptor, 0, len(r.handles))
	for _, h := range r.handles {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h.Descriptor())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ModuleRegistry) uniqueHandles() []*ModuleHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*ModuleHandle]struct{}, len(r.handles))
	out := make([]*ModuleHandle, 0, len(r.handles))
	for _, h := range r.handles {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Load brings a module to stage and reports success. It is the primary
// entry point of the activation layer.
func (r *ModuleRegistry) Load(name string, stage Stage, useCache bool) bool {
	_, ok := r.LoadHandle(name, stage, useCache)
	return ok
}

// LoadHandle is Load returning the handle that was loaded. Stages below
// StageApp run on a fresh handle reattached to the registry's parent
// loader, served from the stage cache when possible; StageApp runs on the
// module's current handle.
func (r *ModuleRegistry) LoadHandle(name string, stage Stage, useCache bool) (*ModuleHandle, bool) {
	h, ok := r.Get(name)
	if !ok {
		r.logger.Warn("Load requested for unknown module", "module", name, "error", NewModuleNotFoundError(name))
		return nil, false
	}
	if stage != StageApp {
		h = h.cloneAndReattach(r.parent)
	}
	if !h.Load(stage, useCache) {
		return h, false
	}
	return h, true
}

// GetCodeLoader returns the code loader of a module: the current handle's
// when it reached the code stage, otherwise the cached one, or nil.
func (r *ModuleRegistry) GetCodeLoader(name string) CodeLoader {
	h, ok := r.Get(name)
	if !ok {
		return nil
	}
	if cl := h.CodeLoader(); cl != nil {
		return cl
	}
	return cachedCodeLoader(r.coord.env.cache, r.coord.env.cacheKey(h.Descriptor()))
}

// LookupModuleByCodeLoader returns the handle owning loader, or nil.
func (r *ModuleRegistry) LookupModuleByCodeLoader(loader CodeLoader) *ModuleHandle {
	if loader == nil {
		return nil
	}
	for _, h := range r.uniqueHandles() {
		if r.GetCodeLoader(h.Name()) == loader {
			return h
		}
	}
	return nil
}

// ModuleNameForPackage resolves the module that declared package pkg.
func (r *ModuleRegistry) ModuleNameForPackage(pkg string) (string, bool) {
	if name, ok := r.coord.env.identity.ModuleName(pkg); ok {
		return name, true
	}
	if h, ok := r.Get(pkg); ok {
		return h.Name(), true
	}
	return "", false
}

// CodeLoaderOf implements Communicator.
func (r *ModuleRegistry) CodeLoaderOf(module string) CodeLoader {
	return r.GetCodeLoader(module)
}

// ContextOf implements Communicator.
func (r *ModuleRegistry) ContextOf(module string) *ModuleContext {
	h, ok := r.Get(module)
	if !ok {
		return nil
	}
	if l := h.Loader(); l != nil {
		return l.Context()
	}
	return nil
}

// Refresh pulls the module list from the coordinating process and inserts
// every descriptor. It returns how many entries were registered or replaced.
func (r *ModuleRegistry) Refresh(ctx context.Context) (int, error) {
	transport := r.coord.env.collab.Transport
	if transport == nil {
		return 0, NewHostTransportError("ListModules", nil).WithContext("reason", "no transport configured")
	}
	list, err := transport.ListModules(ctx)
	if err != nil {
		return 0, NewHostTransportError("ListModules", err)
	}
	inserted := 0
	for _, d := range list {
		if r.Insert(d) {
			inserted++
		}
	}
	r.logger.Info("Module list refreshed", "received", len(list), "inserted", inserted)
	return inserted, nil
}

// NotifyLowMemory forwards a low-memory signal to every running application.
func (r *ModuleRegistry) NotifyLowMemory() {
	r.broadcast(func(app ModuleApplication) { app.OnLowMemory() })
}

// NotifyTrimMemory forwards a trim-memory signal to every running application.
func (r *ModuleRegistry) NotifyTrimMemory(level int) {
	r.broadcast(func(app ModuleApplication) { app.OnTrimMemory(level) })
}

// NotifyConfigurationChanged forwards a configuration change to every
// running application.
func (r *ModuleRegistry) NotifyConfigurationChanged(cfg map[string]string) {
	r.broadcast(func(app ModuleApplication) { app.OnConfigurationChanged(cfg) })
}

func (r *ModuleRegistry) broadcast(fn func(ModuleApplication)) {
	for _, h := range r.uniqueHandles() {
		app := h.Application()
		if app == nil {
			continue
		}
		safeCall(r.logger, func() { fn(app) })
	}
}
