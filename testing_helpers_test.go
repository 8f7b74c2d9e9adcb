// testing_helpers_test.go: fake collaborators and fixtures shared by the tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"
)

// fakeCodeLoader resolves symbols from a map.
type fakeCodeLoader struct {
	name    string
	symbols map[string]any
}

func (f *fakeCodeLoader) Lookup(symbol string) (any, error) {
	if v, ok := f.symbols[symbol]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("symbol %s not found in %s", symbol, f.name)
}

// testEntry is a ModuleEntry returning fixed capabilities.
type testEntry struct {
	module string
}

func (e testEntry) Query(name string) any {
	if name == "module" {
		return e.module
	}
	return nil
}

// directEntry returns an entry point of the direct convention.
func directEntry(module string) DirectEntryFunc {
	return func(mc *ModuleContext, _ Communicator) (ModuleEntry, error) {
		return testEntry{module: module}, nil
	}
}

// fakeMetadataResolver serves metadata per path and can fail the first
// failFirst calls.
type fakeMetadataResolver struct {
	mu        sync.Mutex
	metadata  map[string]*Metadata
	failFirst int32
	calls     atomic.Int32
}

func newFakeMetadataResolver() *fakeMetadataResolver {
	return &fakeMetadataResolver{metadata: make(map[string]*Metadata)}
}

func (f *fakeMetadataResolver) set(path string, md *Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[path] = md
}

func (f *fakeMetadataResolver) ResolvePackageMetadata(path string) (*Metadata, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, errors.New("metadata unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.metadata[path]
	if !ok {
		return nil, fmt.Errorf("no package at %s", path)
	}
	cp := *md
	return &cp, nil
}

type fakeResourceResolver struct {
	failFirst int32
	calls     atomic.Int32
	nilResult bool
}

func (f *fakeResourceResolver) ResolveResourceBundle(md *Metadata) (Resources, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, errors.New("resources unavailable")
	}
	if f.nilResult {
		return nil, nil
	}
	return fstest.MapFS{"strings.txt": {Data: []byte(md.PackageName)}}, nil
}

// fakeCodeFactory builds a fakeCodeLoader per package from registered symbols.
type fakeCodeFactory struct {
	mu        sync.Mutex
	symbols   map[string]map[string]any
	failFirst int32
	failAll   bool
	panicOn   int32
	calls     atomic.Int32
	lastArgs  []string
	parents   []CodeLoader
}

func newFakeCodeFactory() *fakeCodeFactory {
	return &fakeCodeFactory{symbols: make(map[string]map[string]any)}
}

func (f *fakeCodeFactory) setSymbols(pkg string, symbols map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[pkg] = symbols
}

func (f *fakeCodeFactory) CreateCodeLoader(md *Metadata, codePath, compiledOutputDir, nativeLibDir string, parent CodeLoader) (CodeLoader, error) {
	n := f.calls.Add(1)
	if f.panicOn > 0 && n == f.panicOn {
		panic("code loader exploded")
	}
	if f.failAll || n <= f.failFirst {
		return nil, errors.New("code loader construction failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArgs = []string{codePath, compiledOutputDir, nativeLibDir}
	f.parents = append(f.parents, parent)
	return &fakeCodeLoader{name: md.PackageName, symbols: f.symbols[md.PackageName]}, nil
}

type fakeComponentLister struct {
	mu         sync.Mutex
	components map[string]*DeclaredComponents
	calls      atomic.Int32
}

func newFakeComponentLister() *fakeComponentLister {
	return &fakeComponentLister{components: make(map[string]*DeclaredComponents)}
}

func (f *fakeComponentLister) set(pkg string, d *DeclaredComponents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.components[pkg] = d
}

func (f *fakeComponentLister) ListDeclaredComponents(md *Metadata) (*DeclaredComponents, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.components[md.PackageName]; ok {
		return d, nil
	}
	return &DeclaredComponents{}, nil
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCleaner) CleanDerived(d ModuleDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d.Name)
	return nil
}

func (f *fakeCleaner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStatus struct {
	mu     sync.Mutex
	status map[string]ModuleStatus
}

func (f *fakeStatus) set(name string, s ModuleStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[string]ModuleStatus)
	}
	f.status[name] = s
}

func (f *fakeStatus) ModuleStatus(name string, _ int) ModuleStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[name]
}

type fakeTransport struct {
	mu      sync.Mutex
	modules []ModuleDescriptor
	updates []ModuleDescriptor
	listErr error
}

func (f *fakeTransport) ListModules(context.Context) ([]ModuleDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ModuleDescriptor, len(f.modules))
	copy(out, f.modules)
	return out, nil
}

func (f *fakeTransport) UpdateModuleInfo(_ context.Context, d ModuleDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, d)
	return nil
}

func (f *fakeTransport) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// recordingLockFactory hands out locks that record their use.
type recordingLockFactory struct {
	mu       sync.Mutex
	acquired int
	released int
	paths    []string
	refuse   bool
}

type recordingLock struct {
	f    *recordingLockFactory
	held bool
}

func (f *recordingLockFactory) NewLock(path string) Locker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return &recordingLock{f: f}
}

func (l *recordingLock) TryLockTimeWait(time.Duration, time.Duration) bool {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	if l.f.refuse {
		return false
	}
	l.f.acquired++
	l.held = true
	return true
}

func (l *recordingLock) Unlock() {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	if l.held {
		l.f.released++
		l.held = false
	}
}

func (f *recordingLockFactory) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

// testHarness wires a coordinator and registry over fake collaborators.
type testHarness struct {
	t          *testing.T
	metadata   *fakeMetadataResolver
	resources  *fakeResourceResolver
	code       *fakeCodeFactory
	components *fakeComponentLister
	cleaner    *fakeCleaner
	status     *fakeStatus
	transport  *fakeTransport
	locks      *recordingLockFactory
	logger     *TestLogger
	coord      *LoadCoordinator
	registry   *ModuleRegistry
}

func newTestHarness(t *testing.T, mutate ...func(*LoaderConfig, *Collaborators)) *testHarness {
	t.Helper()
	h := &testHarness{
		t:          t,
		metadata:   newFakeMetadataResolver(),
		resources:  &fakeResourceResolver{},
		code:       newFakeCodeFactory(),
		components: newFakeComponentLister(),
		cleaner:    &fakeCleaner{},
		status:     &fakeStatus{},
		transport:  &fakeTransport{},
		locks:      &recordingLockFactory{},
		logger:     NewTestLogger(),
	}
	dir := t.TempDir()
	cfg := LoaderConfig{
		HostPackage: "com.example.host",
		Layout: Layout{
			InstallDir:   filepath.Join(dir, "installed"),
			CompiledDir:  filepath.Join(dir, "compiled"),
			NativeLibDir: filepath.Join(dir, "lib"),
			LockDir:      filepath.Join(dir, "locks"),
		},
		LockWait: 50 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
	}
	collab := Collaborators{
		Metadata:   h.metadata,
		Resources:  h.resources,
		Code:       h.code,
		Components: h.components,
		Status:     h.status,
		Transport:  h.transport,
		Cleaner:    h.cleaner,
	}
	for _, m := range mutate {
		m(&cfg, &collab)
	}
	coord, err := NewLoadCoordinator(cfg, collab, WithLogger(h.logger), WithLockFactory(h.locks))
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	h.coord = coord
	h.registry = NewModuleRegistry(coord, nil)
	return h
}

// addModule registers a module whose code exports a direct entry point.
func (h *testHarness) addModule(name string, version int) ModuleDescriptor {
	h.t.Helper()
	pkg := "com.example." + name
	path := "/bundles/" + name + ".bundle"
	h.metadata.set(path, &Metadata{PackageName: pkg, FrameworkVersion: 3})
	h.code.setSymbols(pkg, map[string]any{DefaultEntrySymbol: directEntry(name)})
	d := ModuleDescriptor{Name: name, PackageName: pkg, Path: path, Version: version, Type: ModuleInstalled}
	if !h.registry.Insert(d) {
		h.t.Fatalf("Expected module %s to be inserted", name)
	}
	return d
}

// writeBundle creates a bundle directory with a JSON manifest and res/.
func writeBundle(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, ResourceDir), 0o750); err != nil {
		t.Fatalf("Failed to create bundle dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "module.json"), []byte(manifest), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResourceDir, "strings.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatalf("Failed to write resource: %v", err)
	}
	return dir
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
