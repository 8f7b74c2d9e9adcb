// loader.go: per-module stage pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import "path/filepath"

// loaderEnv is the shared machinery every ModuleLoader of a coordinator uses.
type loaderEnv struct {
	cache    ArtifactCache
	identity *IdentityIndex
	collab   *Collaborators
	assigner *ProcessAssigner
	entries  *EntryResolver
	layout   Layout
	logger   Logger
	metrics  *LoaderMetrics
	comm     Communicator
}

// ModuleLoader drives one module through the ordered stages.
//
// The state only moves forward. A failed stage leaves the state at the
// last completed stage, and LoadTo never lets an error or panic escape.
type ModuleLoader struct {
	env    *loaderEnv
	desc   ModuleDescriptor
	parent CodeLoader
	state  Stage

	metadata   *Metadata
	resources  Resources
	code       CodeLoader
	components *ComponentIndex
	context    *ModuleContext

	entry        ModuleEntry
	entryVariant string
	lastErr      error
}

func newModuleLoader(env *loaderEnv, desc ModuleDescriptor, parent CodeLoader) *ModuleLoader {
	return &ModuleLoader{env: env, desc: desc, parent: parent, state: StageEmpty}
}

// State returns the highest completed stage.
func (l *ModuleLoader) State() Stage { return l.state }

// IsLoaded reports whether target has been reached.
func (l *ModuleLoader) IsLoaded(target Stage) bool { return l.state >= target }

// Descriptor returns the descriptor as updated by the pipeline.
func (l *ModuleLoader) Descriptor() ModuleDescriptor { return l.desc }

// Metadata returns the stamped package metadata, if loaded.
func (l *ModuleLoader) Metadata() *Metadata { return l.metadata }

// Resources returns the resource bundle, if loaded.
func (l *ModuleLoader) Resources() Resources { return l.resources }

// CodeLoader returns the code loader, if loaded.
func (l *ModuleLoader) CodeLoader() CodeLoader { return l.code }

// Components returns the component index, if loaded.
func (l *ModuleLoader) Components() *ComponentIndex { return l.components }

// Context returns the module execution context, if the code stage ran.
func (l *ModuleLoader) Context() *ModuleContext { return l.context }

// Entry returns the activated entry object and the variant that produced it.
func (l *ModuleLoader) Entry() (ModuleEntry, string) { return l.entry, l.entryVariant }

// LastError returns the error of the last failed stage.
func (l *ModuleLoader) LastError() error { return l.lastErr }

// cacheKey is the storage key the artifacts of d are cached under. A
// builtin bundle is loaded from its extraction destination, so its
// artifacts live under that key.
func (e *loaderEnv) cacheKey(d ModuleDescriptor) string {
	if d.IsBuiltin() && e.collab.Extractor != nil {
		return filepath.Clean(e.layout.InstalledPath(d))
	}
	return d.StorageKey()
}

// LoadTo advances the pipeline up to target. It returns true immediately
// when the loader already satisfies target.
func (l *ModuleLoader) LoadTo(target Stage) bool {
	if !target.Valid() {
		return false
	}
	for next := l.state + 1; next <= target; next++ {
		if !l.runStage(next) {
			return false
		}
		l.state = next
	}
	return true
}

func (l *ModuleLoader) runStage(stage Stage) (ok bool) {
	defer recoverStage(l.env.logger, l.desc.Name, stage, &ok)

	var err error
	switch stage {
	case StageMetadata:
		err = l.loadMetadata()
	case StageResources:
		err = l.loadResources()
	case StageCode:
		err = l.loadCode()
	case StageApp:
		err = l.loadApp()
	}
	if err != nil {
		l.lastErr = err
		l.env.metrics.StageFailures.Add(1)
		l.env.logger.Error("Module stage failed",
			"module", l.desc.Name,
			"stage", stage.String(),
			"error", err)
		return false
	}
	return true
}

func (l *ModuleLoader) loadMetadata() error {
	env := l.env
	key := l.desc.StorageKey()

	md := cachedMetadata(env.cache, key)
	if md == nil {
		resolved, err := env.collab.Metadata.ResolvePackageMetadata(l.desc.Path)
		if err != nil || resolved == nil {
			return NewMetadataResolutionError(l.desc.Name, l.desc.Path, err)
		}
		md = l.stamp(resolved)
		env.cache.Put(KindMetadata, key, md)
	}
	env.identity.Record(md.PackageName, l.desc.Name, key)

	if l.desc.FrameworkVersion <= 0 {
		fv := md.FrameworkVersion
		if fv <= 0 {
			fv = md.MetaInt(MetaFrameworkVersion, 0)
		}
		l.desc.FrameworkVersion = fv
	}
	if l.desc.PackageName == "" {
		l.desc.PackageName = md.PackageName
	}

	idx := cachedComponentIndex(env.cache, key)
	if idx == nil {
		declared, err := env.collab.Components.ListDeclaredComponents(md)
		if err != nil {
			return NewMetadataResolutionError(l.desc.Name, l.desc.Path, err).
				WithContext("phase", "components")
		}
		idx = NewComponentIndex(declared, md.ProcessName)
		env.assigner.Adjust(md, l.desc.Name, l.desc.FrameworkVersion, idx)
		env.cache.Put(KindComponentIndex, key, idx)
	}

	l.metadata = md
	l.components = idx
	return nil
}

// stamp copies resolved metadata and fills in the final on-disk locations.
func (l *ModuleLoader) stamp(resolved *Metadata) *Metadata {
	md := *resolved
	if resolved.Meta != nil {
		md.Meta = make(map[string]string, len(resolved.Meta))
		for k, v := range resolved.Meta {
			md.Meta[k] = v
		}
	}
	if md.PackageName == "" {
		md.PackageName = l.desc.PackageName
	}
	md.SourceDir = l.desc.Path
	md.PublicSourceDir = l.desc.Path
	if md.ProcessName == "" {
		md.ProcessName = md.PackageName
	}
	md.NativeLibDir = l.env.layout.NativeLibraryDir(l.desc)
	return &md
}

func (l *ModuleLoader) loadResources() error {
	env := l.env
	key := l.desc.StorageKey()

	res := cachedResources(env.cache, key)
	if res == nil {
		r, err := env.collab.Resources.ResolveResourceBundle(l.metadata)
		if err != nil || r == nil {
			return NewResourceResolutionError(l.desc.Name, l.metadata.PackageName, err)
		}
		res = r
		env.cache.Put(KindResources, key, res)
	}
	l.resources = res
	return nil
}

func (l *ModuleLoader) loadCode() error {
	env := l.env
	key := l.desc.StorageKey()

	cl := cachedCodeLoader(env.cache, key)
	if cl == nil {
		created, err := env.collab.Code.CreateCodeLoader(l.metadata, l.desc.Path,
			env.layout.CompiledOutputDir(l.desc), l.metadata.NativeLibDir, l.parent)
		if err != nil || created == nil {
			return NewCodeLoadError(l.desc.Name, l.desc.Path, err)
		}
		cl = created
		env.cache.Put(KindCodeLoader, key, cl)
	}
	l.code = cl
	l.buildContext()
	return nil
}

func (l *ModuleLoader) buildContext() {
	l.context = &ModuleContext{
		Name:        l.desc.Name,
		PackageName: l.metadata.PackageName,
		Metadata:    l.metadata,
		Resources:   l.resources,
		CodeLoader:  l.code,
		Components:  l.components,
		Logger:      l.env.logger.With("module", l.desc.Name),
	}
}

func (l *ModuleLoader) loadApp() error {
	entry, variant, err := l.env.entries.Resolve(l.context, l.env.comm, l.desc.Dummy)
	if err != nil {
		return err
	}
	l.entry = entry
	l.entryVariant = variant
	l.env.metrics.EntryResolutions.Add(1)
	return nil
}

// AdoptFromCache rebuilds the loader from cached artifacts only. It
// succeeds when every artifact target needs is cached; the app stage is
// never served from cache.
func (l *ModuleLoader) AdoptFromCache(target Stage) bool {
	if target < StageMetadata || target > StageCode {
		return false
	}
	env := l.env
	key := env.cacheKey(l.desc)

	md := cachedMetadata(env.cache, key)
	idx := cachedComponentIndex(env.cache, key)
	if md == nil || idx == nil {
		return false
	}
	var res Resources
	if target >= StageResources {
		if res = cachedResources(env.cache, key); res == nil {
			return false
		}
	}
	var cl CodeLoader
	if target >= StageCode {
		if cl = cachedCodeLoader(env.cache, key); cl == nil {
			return false
		}
	}

	l.metadata, l.components, l.resources, l.code = md, idx, res, cl
	if l.desc.PackageName == "" {
		l.desc.PackageName = md.PackageName
	}
	if target >= StageCode {
		l.buildContext()
	}
	l.state = target
	return true
}
