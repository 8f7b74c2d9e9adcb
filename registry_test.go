// registry_test.go: tests for the module registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/agilira/go-errors"
)

func TestRegistryInsertPrecedence(t *testing.T) {
	h := newTestHarness(t)
	base := ModuleDescriptor{Name: "maps", Alias: "geo", PackageName: "com.example.maps", Path: "/bundles/maps-1", Version: 1, Type: ModuleBuiltin}

	if !h.registry.Insert(base) {
		t.Fatal("Expected first insert to succeed")
	}
	for _, key := range []string{"maps", "geo", "com.example.maps"} {
		if _, ok := h.registry.Get(key); !ok {
			t.Errorf("Expected module to be indexed under %q", key)
		}
	}

	t.Run("SameVersionBuiltinIgnored", func(t *testing.T) {
		dup := base
		dup.Path = "/bundles/maps-dup"
		if h.registry.Insert(dup) {
			t.Error("Expected an equal builtin descriptor to be ignored")
		}
	})

	t.Run("InstalledSupersedesBuiltin", func(t *testing.T) {
		installed := base
		installed.Type = ModuleInstalled
		installed.Path = "/installed/maps-1"
		if !h.registry.Insert(installed) {
			t.Fatal("Expected installed descriptor to replace builtin one")
		}
		hd, _ := h.registry.Get("geo")
		if hd.Descriptor().Path != "/installed/maps-1" {
			t.Errorf("Expected alias to point at the new handle, got %s", hd.Descriptor().Path)
		}
	})

	t.Run("OlderVersionIgnored", func(t *testing.T) {
		older := base
		older.Version = 0
		older.Type = ModuleInstalled
		if h.registry.Insert(older) {
			t.Error("Expected an older version to be ignored")
		}
	})

	t.Run("InvalidDescriptorRejected", func(t *testing.T) {
		if h.registry.Insert(ModuleDescriptor{Name: "../evil", Path: "/x", Type: ModuleInstalled}) {
			t.Error("Expected a traversal name to be rejected")
		}
	})

	if got := len(h.registry.List()); got != 1 {
		t.Errorf("Expected one listed module, got %d", got)
	}
}

func TestRegistryNewerVersionOverLoadedModule(t *testing.T) {
	h := newTestHarness(t)
	d := h.addModule("webview", 1)
	if !h.registry.Load("webview", StageApp, true) {
		t.Fatal("Expected load to succeed")
	}
	loaded, _ := h.registry.Get("webview")

	newer := d
	newer.Version = 2
	newer.Path = "/bundles/webview-2.bundle"
	if h.registry.Insert(newer) {
		t.Error("Expected a loaded module not to be swapped")
	}
	current, _ := h.registry.Get("webview")
	if current != loaded {
		t.Error("Expected the loaded handle to stay registered")
	}
	if !current.NeedsRestart() {
		t.Error("Expected the loaded handle to need a restart")
	}
}

func TestRegistryReplaceDescriptor(t *testing.T) {
	h := newTestHarness(t)
	d := h.addModule("webview", 2)

	older := d
	older.Version = 1
	err := h.registry.ReplaceDescriptor("webview", older)
	var goErr *goerrors.Error
	if !errors.As(err, &goErr) || goErr.Code != ErrCodeReplaceRejected {
		t.Fatalf("Expected replace rejection, got %v", err)
	}

	newer := d
	newer.Version = 3
	if err := h.registry.ReplaceDescriptor("webview", newer); err != nil {
		t.Fatalf("Expected replacement to succeed, got %v", err)
	}
	hd, _ := h.registry.Get("webview")
	if hd.Descriptor().Version != 3 {
		t.Errorf("Expected version 3, got %d", hd.Descriptor().Version)
	}

	if err := h.registry.ReplaceDescriptor("missing", newer); !HasErrorCode(err, ErrCodeModuleNotFound) {
		t.Errorf("Expected module not found, got %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	h := newTestHarness(t)
	h.addModule("webview", 1)
	h.registry.Load("webview", StageCode, true)
	key := "/bundles/webview.bundle"

	if _, ok := h.coord.Cache().Get(KindCodeLoader, key); !ok {
		t.Fatal("Expected code loader to be cached")
	}
	if !h.registry.Remove("webview") {
		t.Fatal("Expected remove to succeed")
	}
	if _, ok := h.registry.Get("com.example.webview"); ok {
		t.Error("Expected every key of the module to be removed")
	}
	if _, ok := h.coord.Cache().Get(KindCodeLoader, key); ok {
		t.Error("Expected cached artifacts to be dropped")
	}
	if _, ok := h.coord.Identity().StorageKey("webview"); ok {
		t.Error("Expected identity records to be forgotten")
	}
	if h.registry.Remove("webview") {
		t.Error("Expected a second remove to report false")
	}
}

func TestRegistryLoadUnknownModule(t *testing.T) {
	h := newTestHarness(t)
	if h.registry.Load("ghost", StageApp, true) {
		t.Error("Expected unknown module load to fail")
	}
	if !h.logger.HasMessage("WARN", "Load requested for unknown module") {
		t.Error("Expected a warning for the unknown module")
	}
}

func TestRegistryCodeLoaderLookups(t *testing.T) {
	h := newTestHarness(t)
	h.addModule("webview", 1)
	h.addModule("camera", 1)

	if cl := h.registry.GetCodeLoader("webview"); cl != nil {
		t.Error("Expected no code loader before loading")
	}
	if !h.registry.Load("webview", StageCode, true) {
		t.Fatal("Expected code-stage load to succeed")
	}

	cl := h.registry.GetCodeLoader("webview")
	if cl == nil {
		t.Fatal("Expected the cached code loader after a code-stage load")
	}
	owner := h.registry.LookupModuleByCodeLoader(cl)
	if owner == nil || owner.Name() != "webview" {
		t.Errorf("Expected webview to own its code loader, got %v", owner)
	}
	if h.registry.LookupModuleByCodeLoader(&fakeCodeLoader{name: "other"}) != nil {
		t.Error("Expected a foreign loader to have no owner")
	}

	name, ok := h.registry.ModuleNameForPackage("com.example.webview")
	if !ok || name != "webview" {
		t.Errorf("Expected package to resolve to webview, got %q", name)
	}
}

func TestRegistryCommunicatorReachesOtherModules(t *testing.T) {
	h := newTestHarness(t)
	h.addModule("camera", 1)

	var seen CodeLoader
	h.metadata.set("/bundles/gallery.bundle", &Metadata{PackageName: "com.example.gallery"})
	h.code.setSymbols("com.example.gallery", map[string]any{
		DefaultEntrySymbol: DirectEntryFunc(func(mc *ModuleContext, comm Communicator) (ModuleEntry, error) {
			if comm.ContextOf("gallery") == nil {
				return nil, errors.New("own context must be reachable from the entry point")
			}
			seen = comm.CodeLoaderOf("camera")
			return testEntry{module: mc.Name}, nil
		}),
	})
	h.registry.Insert(ModuleDescriptor{Name: "gallery", Path: "/bundles/gallery.bundle", Version: 1, Type: ModuleInstalled})

	if !h.registry.Load("camera", StageApp, true) {
		t.Fatal("Expected camera to load")
	}
	if !h.registry.Load("gallery", StageApp, true) {
		t.Fatal("Expected gallery to load")
	}
	if seen == nil || seen != h.registry.GetCodeLoader("camera") {
		t.Error("Expected the entry point to reach the camera code loader")
	}
	if mc := h.registry.ContextOf("gallery"); mc == nil || mc.PackageName != "com.example.gallery" {
		t.Errorf("Expected gallery context, got %+v", mc)
	}
}

func TestRegistryRefresh(t *testing.T) {
	h := newTestHarness(t)
	h.transport.modules = []ModuleDescriptor{
		{Name: "webview", Path: "/bundles/webview", Version: 1, Type: ModuleInstalled},
		{Name: "camera", Path: "/bundles/camera", Version: 1, Type: ModuleBuiltin},
	}
	n, err := h.registry.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Expected refresh to succeed, got %v", err)
	}
	if n != 2 {
		t.Errorf("Expected two inserted modules, got %d", n)
	}

	h.transport.listErr = errors.New("connection refused")
	if _, err := h.registry.Refresh(context.Background()); !HasErrorCode(err, ErrCodeHostTransportError) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestRegistryReplaceDescriptorDropsOldArtifacts(t *testing.T) {
	h := newTestHarness(t)
	d := h.addModule("webview", 1)
	if !h.registry.Load("webview", StageCode, true) {
		t.Fatal("Expected code-stage load to succeed")
	}
	oldCode := h.registry.GetCodeLoader("webview")

	upgraded := d
	upgraded.Version = 2
	upgraded.Path = "/bundles/webview-v2.bundle"
	h.metadata.set(upgraded.Path, &Metadata{PackageName: d.PackageName, FrameworkVersion: 3})
	if err := h.registry.ReplaceDescriptor("webview", upgraded); err != nil {
		t.Fatalf("Expected replacement to succeed, got %v", err)
	}
	if _, ok := h.coord.Cache().Get(KindCodeLoader, d.StorageKey()); ok {
		t.Error("Expected artifacts of the replaced path to be dropped")
	}
	if h.registry.GetCodeLoader("webview") != nil {
		t.Error("Expected no code loader for the new path before it is loaded")
	}

	before := h.metadata.calls.Load()
	loaded, ok := h.registry.LoadHandle("webview", StageCode, true)
	if !ok {
		t.Fatal("Expected the upgraded module to load")
	}
	if got := h.metadata.calls.Load() - before; got != 1 {
		t.Errorf("Expected metadata resolved for the new path, got %d calls", got)
	}
	if src := loaded.Loader().Metadata().SourceDir; src != upgraded.Path {
		t.Errorf("Expected metadata of %s, got %s", upgraded.Path, src)
	}
	if cl := h.registry.GetCodeLoader("webview"); cl == nil || cl == oldCode {
		t.Error("Expected the code loader of the new path")
	}
}

func TestRegistryReplaceDescriptorRekeys(t *testing.T) {
	h := newTestHarness(t)
	d := ModuleDescriptor{Name: "maps", Alias: "geo", PackageName: "com.example.maps", Path: "/bundles/maps-1", Version: 1, Type: ModuleInstalled}
	h.registry.Insert(d)

	renamed := d
	renamed.Version = 2
	renamed.Alias = "atlas"
	if err := h.registry.ReplaceDescriptor("maps", renamed); err != nil {
		t.Fatalf("Expected replacement to succeed, got %v", err)
	}
	if _, ok := h.registry.Get("geo"); ok {
		t.Error("Expected the old alias to be unregistered")
	}
	for _, key := range []string{"maps", "atlas", "com.example.maps"} {
		if _, ok := h.registry.Get(key); !ok {
			t.Errorf("Expected module to be indexed under %q", key)
		}
	}
}

func TestRegistryBuiltinServedFromInstalledKey(t *testing.T) {
	extractor := &fakeExtractor{}
	h := newTestHarness(t, func(_ *LoaderConfig, c *Collaborators) { c.Extractor = extractor })
	builtin := ModuleDescriptor{Name: "camera", Path: "/builtin/camera.bundle", Version: 1, Type: ModuleBuiltin}
	installed := h.coord.Config().Layout.InstalledPath(builtin)
	h.metadata.set(installed, &Metadata{PackageName: "com.example.camera"})
	h.code.setSymbols("com.example.camera", map[string]any{DefaultEntrySymbol: directEntry("camera")})
	h.registry.Insert(builtin)

	if !h.registry.Load("camera", StageCode, true) {
		t.Fatal("Expected builtin module to load")
	}
	before := h.metadata.calls.Load()
	if !h.registry.Load("camera", StageCode, true) {
		t.Fatal("Expected the second load to succeed")
	}
	if got := h.metadata.calls.Load() - before; got != 0 {
		t.Errorf("Expected the second load served from cache, got %d resolutions", got)
	}
	if h.registry.GetCodeLoader("camera") == nil {
		t.Error("Expected the cached code loader under the installed path")
	}
}
