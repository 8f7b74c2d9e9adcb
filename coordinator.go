// coordinator.go: lock and retry orchestration around the stage pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// LoadReason records who triggered the first load of a module.
type LoadReason struct {
	Module string    `json:"module"`
	Stage  string    `json:"stage"`
	Stack  []string  `json:"stack"`
	At     time.Time `json:"at"`
}

// CoordinatorOption customizes a LoadCoordinator.
type CoordinatorOption func(*LoadCoordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger Logger) CoordinatorOption {
	return func(c *LoadCoordinator) { c.logger = NewLogger(logger) }
}

// WithArtifactCache replaces the default StageCache.
func WithArtifactCache(cache ArtifactCache) CoordinatorOption {
	return func(c *LoadCoordinator) {
		if cache != nil {
			c.env.cache = cache
		}
	}
}

// WithLockFactory replaces the file lock factory.
func WithLockFactory(f LockFactory) CoordinatorOption {
	return func(c *LoadCoordinator) {
		if f != nil {
			c.locks = f
		}
	}
}

// WithHostBinder sets the binder handed to binder-style entry points.
func WithHostBinder(b Binder) CoordinatorOption {
	return func(c *LoadCoordinator) { c.hostBinder = b }
}

// WithEventObserver subscribes an observer to loader events.
func WithEventObserver(o EventObserver) CoordinatorOption {
	return func(c *LoadCoordinator) { c.pendingObservers = append(c.pendingObservers, o) }
}

// LoadCoordinator owns the load policy: status check, per-handle
// serialization, cache-only reconstruction, the advisory process lock and
// the single retry after cleaning derived artifacts.
type LoadCoordinator struct {
	cfg    LoaderConfig
	env    *loaderEnv
	locks  LockFactory
	logger Logger
	events *eventBus

	hostBinder       Binder
	pendingObservers []EventObserver

	reasonsMu sync.Mutex
	reasons   []LoadReason
}

// NewLoadCoordinator validates collaborators and builds a coordinator.
func NewLoadCoordinator(cfg LoaderConfig, collab Collaborators, opts ...CoordinatorOption) (*LoadCoordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}
	collab.applyDefaults(cfg.Layout, &cfg)

	c := &LoadCoordinator{
		cfg:    cfg,
		logger: NewNoOpLogger(),
		env: &loaderEnv{
			cache:    NewStageCache(cfg.Cache),
			identity: NewIdentityIndex(),
			collab:   &collab,
			layout:   cfg.Layout,
			metrics:  &LoaderMetrics{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = FileLockFactory{Logger: c.logger}
	}
	c.env.logger = c.logger
	c.env.assigner = NewProcessAssigner(cfg.HostProcesses, c.logger)
	c.env.entries = NewEntryResolver(cfg.EntrySymbol, cfg.LibraryEntrySymbol, c.hostBinder, c.logger)
	c.events = newEventBus(c.logger)
	for _, o := range c.pendingObservers {
		c.events.subscribe(o)
	}
	c.pendingObservers = nil
	return c, nil
}

// Config returns the effective configuration.
func (c *LoadCoordinator) Config() LoaderConfig { return c.cfg }

// Cache returns the artifact cache.
func (c *LoadCoordinator) Cache() ArtifactCache { return c.env.cache }

// Identity returns the package and storage-key cross references.
func (c *LoadCoordinator) Identity() *IdentityIndex { return c.env.identity }

// Metrics returns the pipeline counters.
func (c *LoadCoordinator) Metrics() *LoaderMetrics { return c.env.metrics }

// Subscribe adds an event observer.
func (c *LoadCoordinator) Subscribe(o EventObserver) { c.events.subscribe(o) }

func (c *LoadCoordinator) setCommunicator(comm Communicator) { c.env.comm = comm }

// NewHandle creates an uninitialized handle for d.
func (c *LoadCoordinator) NewHandle(d ModuleDescriptor, parent CodeLoader) *ModuleHandle {
	return newModuleHandle(c, d, parent)
}

// Load brings h to target. It never panics and never returns an error:
// the result is true when h satisfies target afterwards.
func (c *LoadCoordinator) Load(h *ModuleHandle, target Stage, useCache bool) (ok bool) {
	c.env.metrics.LoadRequests.Add(1)
	defer c.env.metrics.markLoad()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Module load panicked",
				"module", h.Name(),
				"stage", target.String(),
				"panic", r,
				"stack", captureStack())
			ok = false
		}
		if ok {
			c.env.metrics.LoadsSucceeded.Add(1)
		} else {
			c.env.metrics.LoadsFailed.Add(1)
		}
	}()

	if !target.Valid() {
		c.logger.Warn("Invalid load target", "module", h.Name(), "stage", target.String())
		return false
	}

	before := h.Descriptor()
	ok = c.loadSerialized(h, target, useCache)
	if !ok {
		return false
	}

	if target == StageApp {
		c.startApplication(h)
	}
	if after := h.Descriptor(); after != before {
		c.publishDescriptor(after)
	}
	return true
}

func (c *LoadCoordinator) loadSerialized(h *ModuleHandle, target Stage, useCache bool) bool {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	d := h.Descriptor()
	if status := c.env.collab.Status.ModuleStatus(d.Name, d.Version); status < StatusOK {
		c.env.metrics.DisabledRejections.Add(1)
		c.logger.Warn("Module load rejected",
			"module", d.Name,
			"version", d.Version,
			"error", NewModuleDisabledError(d.Name, d.Version, status))
		c.events.emit(EventLoadRejected, LoadEventData{Module: d.Name, Version: d.Version, Stage: target.String()})
		return false
	}

	if h.IsInitialized() {
		return h.IsLoaded(target)
	}
	h.markInitialized()
	c.traceLoad(d.Name, target)

	if useCache {
		l := newModuleLoader(c.env, d, h.parent)
		if l.AdoptFromCache(target) {
			h.setLoader(l)
			h.setDescriptor(l.Descriptor())
			c.env.metrics.CacheHits.Add(1)
			c.logger.Debug("Module served from stage cache", "module", d.Name, "stage", target.String())
			return true
		}
	}

	lockPath := c.env.layout.LockFile(d)

	lock := c.acquire(lockPath, d.Name, 1)
	start := time.Now()
	ok := c.doLoad(h, target)
	lock.Unlock()
	c.logger.Debug("Module load attempt finished",
		"module", d.Name, "stage", target.String(), "attempt", 1,
		"ok", ok, "duration", time.Since(start))
	if ok {
		c.succeeded(h, target, 1)
		return true
	}

	c.env.metrics.Retries.Add(1)
	c.events.emit(EventLoadRetried, LoadEventData{Module: d.Name, Version: d.Version, Stage: target.String(), Attempt: 2})

	lock = c.acquire(lockPath, d.Name, 2)
	current := h.Descriptor()
	if err := c.env.collab.Cleaner.CleanDerived(current); err != nil {
		c.logger.Warn("Derived artifact cleanup failed", "module", current.Name, "error", err)
	}
	c.invalidate(h)
	h.setLoader(nil)
	ok = c.doLoad(h, target)
	lock.Unlock()

	if !ok {
		var cause error
		if l := h.Loader(); l != nil {
			cause = l.LastError()
		}
		c.logger.Error("Module load failed after retry",
			"module", d.Name,
			"error", NewRetryExhaustedError(d.Name, target),
			"cause", cause)
		data := LoadEventData{Module: d.Name, Version: d.Version, Stage: target.String(), Attempt: 2}
		if cause != nil {
			data.Error = cause.Error()
		}
		c.events.emit(EventLoadFailed, data)
		return false
	}
	c.env.metrics.RetrySuccesses.Add(1)
	c.succeeded(h, target, 2)
	return true
}

// acquire takes the bundle lock with the configured bound. A timeout is
// logged and the caller proceeds with the returned lock anyway.
func (c *LoadCoordinator) acquire(lockPath, module string, attempt int) Locker {
	lock := c.locks.NewLock(lockPath)
	if !lock.TryLockTimeWait(c.cfg.LockWait, c.cfg.LockPoll) {
		c.env.metrics.LockTimeouts.Add(1)
		c.logger.Warn("Proceeding without process lock",
			"module", module,
			"attempt", attempt,
			"error", NewLockTimeoutWarning(lockPath, c.cfg.LockWait.String()))
	}
	return lock
}

// invalidate drops every cached artifact of the handle's storage keys.
func (c *LoadCoordinator) invalidate(h *ModuleHandle) {
	d := h.Descriptor()
	key := c.env.cacheKey(d)
	c.env.cache.Invalidate(key)
	if recorded, ok := c.env.identity.StorageKey(d.Name); ok && recorded != key {
		c.env.cache.Invalidate(recorded)
	}
}

// doLoad runs one pipeline attempt on a fresh loader.
func (c *LoadCoordinator) doLoad(h *ModuleHandle, target Stage) bool {
	if l := h.Loader(); l != nil {
		return l.IsLoaded(target)
	}

	d := h.Descriptor()
	if d.IsBuiltin() && c.env.collab.Extractor != nil {
		dest := c.env.layout.InstalledPath(d)
		path, err := c.env.collab.Extractor.Extract(d, dest)
		if err != nil {
			c.logger.Error("Builtin module extraction failed",
				"module", d.Name,
				"error", NewExtractionError(d.Name, dest, err))
			return false
		}
		installed := d.Clone()
		installed.Path = path
		installed.Type = ModuleInstalled
		h.setDescriptor(installed)
		d = installed
	}

	l := newModuleLoader(c.env, d, h.parent)
	h.setLoader(l)
	ok := l.LoadTo(target)
	h.setDescriptor(l.Descriptor())
	return ok
}

func (c *LoadCoordinator) succeeded(h *ModuleHandle, target Stage, attempt int) {
	d := h.Descriptor()
	if err := c.env.collab.Running.AddRunning(d.Name); err != nil {
		c.logger.Warn("Running module registration failed", "module", d.Name, "error", err)
	}
	c.logger.Info("Module loaded", "module", d.Name, "stage", target.String(), "attempt", attempt)
	c.events.emit(EventLoadSucceeded, LoadEventData{Module: d.Name, Version: d.Version, Stage: target.String(), Attempt: attempt})
}

// startApplication creates the module application once per handle, on the
// main-thread dispatcher, outside the handle's load lock.
func (c *LoadCoordinator) startApplication(h *ModuleHandle) {
	d := h.Descriptor()
	if d.Dummy || d.FrameworkVersion < 2 {
		return
	}
	l := h.Loader()
	if l == nil || l.Context() == nil {
		return
	}
	factory, found := lookupApplication(l.CodeLoader(), c.cfg.ApplicationSymbol)
	if !found || !h.claimApplication() {
		return
	}
	mc := l.Context()
	c.env.collab.MainThread.DispatchFront(func() {
		safeCall(c.logger, func() {
			app := factory()
			if app == nil {
				c.logger.Warn("Module application not created",
					"module", d.Name,
					"error", NewApplicationCreationError(d.Name, nil))
				return
			}
			app.Attach(mc)
			app.OnCreate()
			h.setApplication(app)
			c.env.metrics.ApplicationsStarted.Add(1)
			c.events.emit(EventApplicationStarted, LoadEventData{Module: d.Name, Version: d.Version})
		})
	})
}

// publishDescriptor sends an updated descriptor to the coordinating process.
func (c *LoadCoordinator) publishDescriptor(d ModuleDescriptor) {
	transport := c.env.collab.Transport
	if transport == nil {
		return
	}
	timeout := c.cfg.TransportTimeout
	SafeGo(c.logger, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := transport.UpdateModuleInfo(ctx, d); err != nil {
			c.logger.Warn("Module info update failed",
				"module", d.Name,
				"error", NewHostTransportError("UpdateModuleInfo", err))
		}
	})
}

func (c *LoadCoordinator) traceLoad(module string, target Stage) {
	if !c.cfg.TraceLoads {
		return
	}
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var stack []string
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			stack = append(stack, f.Function+" ("+f.File+":"+strconv.Itoa(f.Line)+")")
		}
		if !more {
			break
		}
	}
	c.reasonsMu.Lock()
	defer c.reasonsMu.Unlock()
	c.reasons = append(c.reasons, LoadReason{
		Module: module,
		Stage:  target.String(),
		Stack:  stack,
		At:     timecache.CachedTime(),
	})
}

// LoadReasons returns the recorded first-load call stacks.
func (c *LoadCoordinator) LoadReasons() []LoadReason {
	c.reasonsMu.Lock()
	defer c.reasonsMu.Unlock()
	out := make([]LoadReason, len(c.reasons))
	copy(out, c.reasons)
	return out
}
