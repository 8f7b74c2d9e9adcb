// descriptor.go: module identity, location and the derived on-disk layout
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"path/filepath"
	"strconv"
	"strings"
)

// ModuleType distinguishes bundles shipped with the host from installed ones.
type ModuleType string

const (
	// ModuleBuiltin bundles ship inside the host and are extracted before their first load.
	ModuleBuiltin ModuleType = "builtin"
	// ModuleInstalled bundles already live at their final storage path.
	ModuleInstalled ModuleType = "installed"
)

// ModuleDescriptor is the identity and location of one module.
//
// Path doubles as the storage key of every cached stage artifact, so two
// descriptors with the same Path share cached metadata, resources and code.
type ModuleDescriptor struct {
	Name             string     `json:"name" yaml:"name"`
	Alias            string     `json:"alias,omitempty" yaml:"alias,omitempty"`
	PackageName      string     `json:"package_name,omitempty" yaml:"package_name,omitempty"`
	Path             string     `json:"path" yaml:"path"`
	Version          int        `json:"version" yaml:"version"`
	Type             ModuleType `json:"type" yaml:"type"`
	FrameworkVersion int        `json:"framework_version,omitempty" yaml:"framework_version,omitempty"`

	// Dummy modules carry no code; their entry point is a no-op.
	Dummy bool `json:"dummy,omitempty" yaml:"dummy,omitempty"`
}

// Clone returns a copy of the descriptor.
func (d ModuleDescriptor) Clone() ModuleDescriptor {
	return d
}

// StorageKey returns the cache key for the descriptor's artifacts.
func (d ModuleDescriptor) StorageKey() string {
	return filepath.Clean(d.Path)
}

// BundleFile returns the file name of the bundle at Path.
func (d ModuleDescriptor) BundleFile() string {
	return filepath.Base(d.Path)
}

// IsBuiltin reports whether the descriptor still points at a builtin bundle.
func (d ModuleDescriptor) IsBuiltin() bool {
	return d.Type == ModuleBuiltin
}

// CanReplace reports whether d may supersede old.
// A higher version always wins; at the same version an installed bundle
// supersedes a builtin one.
func (d ModuleDescriptor) CanReplace(old ModuleDescriptor) bool {
	if d.Name != old.Name {
		return false
	}
	if d.Version > old.Version {
		return true
	}
	return d.Version == old.Version && old.Type == ModuleBuiltin && d.Type == ModuleInstalled
}

// Validate checks the fields every load path relies on.
//
// The name ends up in lock file names and derived artifact paths, so path
// separators, traversal sequences and control characters are rejected.
func (d ModuleDescriptor) Validate() error {
	if d.Name == "" {
		return NewInvalidDescriptorError(d.Name, "name is required")
	}
	if d.Path == "" {
		return NewInvalidDescriptorError(d.Name, "path is required")
	}
	if d.Type != ModuleBuiltin && d.Type != ModuleInstalled {
		return NewInvalidDescriptorError(d.Name, "unknown module type "+strconv.Quote(string(d.Type)))
	}
	for _, name := range []string{d.Name, d.Alias} {
		if name == "" {
			continue
		}
		if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
			return NewInvalidDescriptorError(d.Name, "name contains path characters").
				WithContext("invalid_name", name)
		}
		for _, r := range name {
			if r < 32 || r == 127 {
				return NewInvalidDescriptorError(d.Name, "name contains control character").
					WithContext("control_character_code", r)
			}
		}
		if strings.ContainsAny(name, "~|&;$`()[]{}<>") {
			return NewInvalidDescriptorError(d.Name, "name contains shell metacharacter").
				WithContext("invalid_name", name)
		}
	}
	return nil
}

// Layout names the directories holding artifacts derived from a bundle.
// The installation layer owns these files; the loader only knows how to
// find them and, during the retry path, how to delete them.
type Layout struct {
	// InstallDir receives extracted builtin bundles.
	InstallDir string `json:"install_dir" yaml:"install_dir"`
	// CompiledDir holds compiled code produced by the code loader.
	CompiledDir string `json:"compiled_dir" yaml:"compiled_dir"`
	// NativeLibDir holds one native library directory per module.
	NativeLibDir string `json:"native_lib_dir" yaml:"native_lib_dir"`
	// LockDir holds the cross-process load lock files.
	LockDir string `json:"lock_dir" yaml:"lock_dir"`
}

// bundleStem drops the extension of the bundle file name.
func bundleStem(d ModuleDescriptor) string {
	base := d.BundleFile()
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CompiledCodeFile is the compiled-code artifact for d.
func (l Layout) CompiledCodeFile(d ModuleDescriptor) string {
	return filepath.Join(l.CompiledDir, bundleStem(d)+".odex")
}

// LegacyCompiledDir is the supplementary compiled-code directory older
// platform levels write next to the main artifact.
func (l Layout) LegacyCompiledDir(d ModuleDescriptor) string {
	return filepath.Join(l.CompiledDir, "legacy", bundleStem(d))
}

// CompiledOutputDir is where the code loader writes compiled output.
func (l Layout) CompiledOutputDir(d ModuleDescriptor) string {
	return l.CompiledDir
}

// NativeLibraryDir is the native library directory of d.
func (l Layout) NativeLibraryDir(d ModuleDescriptor) string {
	return filepath.Join(l.NativeLibDir, d.Name+"-"+strconv.Itoa(d.Version))
}

// InstalledPath is the destination of an extracted builtin bundle.
func (l Layout) InstalledPath(d ModuleDescriptor) string {
	return filepath.Join(l.InstallDir, d.BundleFile())
}

// LockFile is the cross-process load lock for d's bundle.
func (l Layout) LockFile(d ModuleDescriptor) string {
	return filepath.Join(l.LockDir, "load_"+d.BundleFile()+".lock")
}
