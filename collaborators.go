// collaborators.go: interfaces the loader consumes from the host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"io/fs"
)

// Resources is a resolved resource bundle.
type Resources interface {
	fs.FS
}

// CodeLoader is a dynamic code-loading handle.
//
// Implementations must be comparable (typically pointers) so a loader can
// be mapped back to the module that owns it.
type CodeLoader interface {
	Lookup(symbol string) (any, error)
}

// MetadataResolver parses the archive-level package metadata of a bundle.
type MetadataResolver interface {
	ResolvePackageMetadata(path string) (*Metadata, error)
}

// ResourceResolver resolves the resource bundle of a package.
type ResourceResolver interface {
	ResolveResourceBundle(md *Metadata) (Resources, error)
}

// CodeLoaderFactory constructs code loaders.
type CodeLoaderFactory interface {
	CreateCodeLoader(md *Metadata, codePath, compiledOutputDir, nativeLibDir string, parent CodeLoader) (CodeLoader, error)
}

// ComponentLister reports the components a package declares.
type ComponentLister interface {
	ListDeclaredComponents(md *Metadata) (*DeclaredComponents, error)
}

// ModuleStatus is the enable/disable state of a module version.
// Values below StatusOK disable the module.
type ModuleStatus int

const (
	StatusOK            ModuleStatus = 0
	StatusDisabled      ModuleStatus = -1
	StatusNotCompatible ModuleStatus = -2
)

// StatusProvider looks up the status of a module version.
type StatusProvider interface {
	ModuleStatus(name string, version int) ModuleStatus
}

// HostTransport reaches the coordinating process.
type HostTransport interface {
	ListModules(ctx context.Context) ([]ModuleDescriptor, error)
	UpdateModuleInfo(ctx context.Context, d ModuleDescriptor) error
}

// BundleExtractor unpacks a builtin bundle and returns its installed path.
type BundleExtractor interface {
	Extract(d ModuleDescriptor, dest string) (string, error)
}

// ArtifactCleaner deletes the derived on-disk artifacts of a module.
type ArtifactCleaner interface {
	CleanDerived(d ModuleDescriptor) error
}

// RunningSet records the modules running in this process.
type RunningSet interface {
	AddRunning(name string) error
}

// Dispatcher runs fn on the host's main thread ahead of queued work.
type Dispatcher interface {
	DispatchFront(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

// DispatchFront calls f(fn).
func (f DispatcherFunc) DispatchFront(fn func()) { f(fn) }

// InlineDispatcher runs fn on the calling goroutine.
var InlineDispatcher Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// AlwaysOK is a StatusProvider that enables every module.
type AlwaysOK struct{}

// ModuleStatus implements StatusProvider.
func (AlwaysOK) ModuleStatus(string, int) ModuleStatus { return StatusOK }

// Collaborators groups the host services a LoadCoordinator depends on.
// Metadata, Resources, Code and Components are required; the rest default
// to permissive no-op implementations.
type Collaborators struct {
	Metadata   MetadataResolver
	Resources  ResourceResolver
	Code       CodeLoaderFactory
	Components ComponentLister
	Status     StatusProvider
	Transport  HostTransport
	Extractor  BundleExtractor
	Cleaner    ArtifactCleaner
	Running    RunningSet
	MainThread Dispatcher
}

func (c *Collaborators) applyDefaults(layout Layout, cfg *LoaderConfig) {
	if c.Status == nil {
		c.Status = AlwaysOK{}
	}
	if c.Cleaner == nil {
		c.Cleaner = &FileArtifactCleaner{
			Layout:              layout,
			PlatformLevel:       cfg.PlatformLevel,
			LegacyPlatformBelow: cfg.LegacyPlatformBelow,
		}
	}
	if c.Running == nil {
		c.Running = NewMemoryRunningSet()
	}
	if c.MainThread == nil {
		c.MainThread = InlineDispatcher
	}
}

func (c *Collaborators) validate() error {
	switch {
	case c.Metadata == nil:
		return NewConfigValidationError("metadata resolver is required", nil)
	case c.Resources == nil:
		return NewConfigValidationError("resource resolver is required", nil)
	case c.Code == nil:
		return NewConfigValidationError("code loader factory is required", nil)
	case c.Components == nil:
		return NewConfigValidationError("component lister is required", nil)
	}
	return nil
}
