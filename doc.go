// Package modloader loads dynamically delivered modules into a host
// process through a staged pipeline: package metadata, resource bundle,
// code loader and finally the module's entry point.
//
// Key Features:
//   - Four cumulative load stages; lower stages are reused from a
//     per-storage-key artifact cache
//   - Cross-process advisory file lock around every load and its retry
//   - Exactly one retry after deleting derived compiled artifacts
//   - Three entry point shapes, tried in a fixed order
//   - Static and dynamic assignment of module components to host processes
//   - Module registry with version precedence and needs-restart tracking
//   - File-backed module status table with hot reload
//   - gRPC link to a coordinating process
//   - CloudEvents for load lifecycle notifications
//
// Basic Usage:
//
//	cfg := modloader.DefaultLoaderConfig()
//	collab := modloader.BundleCollaborators(modloader.GoPluginLoaderFactory{}, logger)
//
//	coord, err := modloader.NewLoadCoordinator(cfg, collab, modloader.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	registry := modloader.NewModuleRegistry(coord, nil)
//
//	descs, _ := modloader.ScanBundles("/opt/host/bundles")
//	for _, d := range descs {
//		registry.Insert(d)
//	}
//
//	if registry.Load("webview", modloader.StageApp, true) {
//		h, _ := registry.Get("webview")
//		svc := h.Entry().Query("renderer")
//		_ = svc
//	}
//
// Load never panics and never returns an error: a failed load is logged
// with a coded error from this package and reported as false.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package modloader
