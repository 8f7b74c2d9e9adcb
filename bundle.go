// bundle.go: filesystem-backed collaborators for module bundle directories
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MetaCodeFile is the metadata key naming the code file inside a bundle.
const MetaCodeFile = "code_file"

// DefaultCodeFile is used when a manifest names no code file.
const DefaultCodeFile = "module.so"

// ResourceDir is the resource directory inside a bundle.
const ResourceDir = "res"

// Manifest file names, tried in order.
var manifestFiles = []string{"module.json", "module.yaml", "module.yml"}

// BundleManifest describes a module bundle directory.
//
// Example JSON manifest:
//
//	{
//	  "name": "webview",
//	  "package_name": "com.example.webview",
//	  "version": 3,
//	  "framework_version": 4,
//	  "code": "webview.so",
//	  "meta": {"use_default_task_affinity": "false"},
//	  "components": {
//	    "activities": [{"name": "Main", "process": "$ui"}]
//	  }
//	}
type BundleManifest struct {
	Name             string             `json:"name" yaml:"name"`
	Alias            string             `json:"alias,omitempty" yaml:"alias,omitempty"`
	PackageName      string             `json:"package_name" yaml:"package_name"`
	Version          int                `json:"version" yaml:"version"`
	FrameworkVersion int                `json:"framework_version,omitempty" yaml:"framework_version,omitempty"`
	ProcessName      string             `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	Code             string             `json:"code,omitempty" yaml:"code,omitempty"`
	Builtin          bool               `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	Dummy            bool               `json:"dummy,omitempty" yaml:"dummy,omitempty"`
	Meta             map[string]string  `json:"meta,omitempty" yaml:"meta,omitempty"`
	Components       DeclaredComponents `json:"components" yaml:"components"`
}

// Descriptor returns the descriptor of the bundle rooted at dir.
func (m *BundleManifest) Descriptor(dir string) ModuleDescriptor {
	t := ModuleInstalled
	if m.Builtin {
		t = ModuleBuiltin
	}
	return ModuleDescriptor{
		Name:             m.Name,
		Alias:            m.Alias,
		PackageName:      m.PackageName,
		Path:             dir,
		Version:          m.Version,
		Type:             t,
		FrameworkVersion: m.FrameworkVersion,
		Dummy:            m.Dummy,
	}
}

// Metadata returns the package metadata declared by the manifest.
func (m *BundleManifest) Metadata() *Metadata {
	meta := make(map[string]string, len(m.Meta)+1)
	for k, v := range m.Meta {
		meta[k] = v
	}
	code := m.Code
	if code == "" {
		code = DefaultCodeFile
	}
	meta[MetaCodeFile] = code
	return &Metadata{
		PackageName:      m.PackageName,
		ProcessName:      m.ProcessName,
		FrameworkVersion: m.FrameworkVersion,
		Meta:             meta,
	}
}

// ReadBundleManifest reads the manifest of the bundle at path. path may be
// the bundle directory or the manifest file itself. JSON is tried first,
// then YAML.
func ReadBundleManifest(path string) (*BundleManifest, error) {
	file, err := findManifest(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file) // #nosec G304 - manifest path derived from a registered bundle
	if err != nil {
		return nil, NewManifestError(file, err)
	}
	var manifest BundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		if yerr := yaml.Unmarshal(data, &manifest); yerr != nil {
			return nil, NewManifestError(file, fmt.Errorf("failed to parse manifest (tried JSON and YAML): %w", yerr))
		}
	}
	if strings.TrimSpace(manifest.Name) == "" {
		return nil, NewManifestError(file, fmt.Errorf("manifest name is required"))
	}
	if manifest.PackageName == "" {
		manifest.PackageName = manifest.Name
	}
	return &manifest, nil
}

func findManifest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", NewManifestError(path, err)
	}
	if !info.IsDir() {
		return path, nil
	}
	for _, name := range manifestFiles {
		candidate := filepath.Join(path, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", NewManifestError(path, fmt.Errorf("no manifest found, expected one of %s", strings.Join(manifestFiles, ", ")))
}

// bundleDir returns the directory a metadata record was resolved from.
func bundleDir(md *Metadata) string {
	if md.SourceDir != "" {
		return md.SourceDir
	}
	return md.PublicSourceDir
}

// ManifestResolver resolves package metadata from bundle manifests.
type ManifestResolver struct{}

// ResolvePackageMetadata implements MetadataResolver.
func (ManifestResolver) ResolvePackageMetadata(path string) (*Metadata, error) {
	m, err := ReadBundleManifest(path)
	if err != nil {
		return nil, err
	}
	md := m.Metadata()
	md.SourceDir = path
	return md, nil
}

// ManifestComponentLister reads declared components from bundle manifests.
type ManifestComponentLister struct{}

// ListDeclaredComponents implements ComponentLister.
func (ManifestComponentLister) ListDeclaredComponents(md *Metadata) (*DeclaredComponents, error) {
	m, err := ReadBundleManifest(bundleDir(md))
	if err != nil {
		return nil, err
	}
	components := m.Components
	return &components, nil
}

// DirResourceResolver serves the res/ directory of a bundle.
type DirResourceResolver struct{}

// ResolveResourceBundle implements ResourceResolver.
func (DirResourceResolver) ResolveResourceBundle(md *Metadata) (Resources, error) {
	dir := filepath.Join(bundleDir(md), ResourceDir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

// FileArtifactCleaner removes compiled code derived from a bundle.
type FileArtifactCleaner struct {
	Layout Layout
	// PlatformLevel is the running platform level; zero disables the
	// legacy directory cleanup.
	PlatformLevel       int
	LegacyPlatformBelow int
}

// CleanDerived implements ArtifactCleaner. Missing files are not an error.
func (c *FileArtifactCleaner) CleanDerived(d ModuleDescriptor) error {
	if err := os.Remove(c.Layout.CompiledCodeFile(d)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if c.PlatformLevel > 0 && c.PlatformLevel < c.LegacyPlatformBelow {
		if err := os.RemoveAll(c.Layout.LegacyCompiledDir(d)); err != nil {
			return err
		}
	}
	return nil
}

// DirExtractor installs a builtin bundle by copying its directory tree.
type DirExtractor struct {
	Logger Logger
}

// Extract implements BundleExtractor. An existing destination is replaced.
func (e DirExtractor) Extract(d ModuleDescriptor, dest string) (string, error) {
	src := filepath.Clean(d.Path)
	if src == filepath.Clean(dest) {
		return dest, nil
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	err := filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
	if err != nil {
		return "", err
	}
	if e.Logger != nil {
		e.Logger.Debug("Builtin bundle extracted", "module", d.Name, "dest", dest)
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - walking a registered bundle tree
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// MemoryRunningSet records running modules in memory.
type MemoryRunningSet struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewMemoryRunningSet creates an empty running set.
func NewMemoryRunningSet() *MemoryRunningSet {
	return &MemoryRunningSet{running: make(map[string]struct{})}
}

// AddRunning implements RunningSet.
func (s *MemoryRunningSet) AddRunning(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = struct{}{}
	return nil
}

// Running returns the recorded module names in sorted order.
func (s *MemoryRunningSet) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ScanBundles returns the descriptors of every bundle directly below dir.
// Subdirectories without a manifest are skipped; malformed manifests are
// returned as errors alongside the valid descriptors.
func ScanBundles(dir string) ([]ModuleDescriptor, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{NewManifestError(dir, err)}
	}
	var (
		out  []ModuleDescriptor
		errs []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bundle := filepath.Join(dir, entry.Name())
		if _, err := findManifest(bundle); err != nil {
			continue
		}
		m, err := ReadBundleManifest(bundle)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m.Descriptor(bundle))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}

// BundleCollaborators returns the filesystem collaborators for bundle
// directories, with code loaded by codeFactory.
func BundleCollaborators(codeFactory CodeLoaderFactory, logger Logger) Collaborators {
	return Collaborators{
		Metadata:   ManifestResolver{},
		Resources:  DirResourceResolver{},
		Code:       codeFactory,
		Components: ManifestComponentLister{},
		Extractor:  DirExtractor{Logger: logger},
	}
}
