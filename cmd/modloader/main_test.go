// main_test.go: tests for the command line front end
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func useBufferWriters(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() { stdOut, stdErr = prevOut, prevErr })
	return out, errOut
}

func bundleFixture(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "res"), 0o750); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name": "` + name + `", "package_name": "com.example.` + name + `", "version": 1}`
	if err := os.WriteFile(filepath.Join(dir, "module.json"), []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("MODLOADER_CONFIG", "/tmp/env.yaml")

	opts, err := parseCLIFlags([]string{"dump"})
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if opts.configPath != "/tmp/env.yaml" {
		t.Fatalf("Expected the environment config, got %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"-c", "/tmp/flag.yaml", "dump"})
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if opts.configPath != "/tmp/flag.yaml" {
		t.Fatalf("Expected the flag to win over the environment, got %s", opts.configPath)
	}
}

func TestParseCLIFlagsCommands(t *testing.T) {
	opts, err := parseCLIFlags([]string{"--stage", "code", "--no-cache", "load", "a", "b"})
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if opts.command != "load" || len(opts.args) != 2 || opts.stage != "code" || !opts.noCache {
		t.Fatalf("Unexpected options %+v", opts)
	}
	if opts.listen != "127.0.0.1:7450" {
		t.Errorf("Expected default listen address, got %s", opts.listen)
	}

	failures := [][]string{
		{},
		{"load"},
		{"serve"},
		{"explode"},
		{"--unknown-flag", "dump"},
	}
	for _, args := range failures {
		if _, err := parseCLIFlags(args); err == nil {
			t.Errorf("Expected %v to be rejected", args)
		}
	}

	if _, err := parseCLIFlags([]string{}); err == nil || !strings.Contains(err.Error(), "usage: modloader") {
		t.Errorf("Expected usage text without a command, got %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(cliOptions{logLevel: "debug", logFile: "/tmp/m.log"})
	if err != nil {
		t.Fatalf("Expected defaults to load, got %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.FilePath != "/tmp/m.log" {
		t.Errorf("Expected flag overrides, got %+v", cfg.Logging)
	}

	if _, err := loadConfig(cliOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("Expected a missing config file to fail")
	}
}

func TestRunDump(t *testing.T) {
	out, _ := useBufferWriters(t)
	root := t.TempDir()
	bundleFixture(t, root, "webview")

	code := run(cliOptions{command: "dump", bundles: root, logFile: filepath.Join(root, "logs", "m.log")})
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}
	var doc struct {
		Config  map[string]any   `json:"config"`
		Bundles []map[string]any `json:"bundles"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", out.String(), err)
	}
	if len(doc.Bundles) != 1 || doc.Bundles[0]["name"] != "webview" {
		t.Errorf("Expected the webview bundle, got %v", doc.Bundles)
	}
	if doc.Config["host_package"] != "host" {
		t.Errorf("Expected default config, got %v", doc.Config["host_package"])
	}
}

func TestRunLoadResourcesStage(t *testing.T) {
	out, _ := useBufferWriters(t)
	root := t.TempDir()
	cfgPath := filepath.Join(root, "modloader.yaml")
	layout := "layout:\n" +
		"  install_dir: " + filepath.Join(root, "installed") + "\n" +
		"  compiled_dir: " + filepath.Join(root, "compiled") + "\n" +
		"  native_lib_dir: " + filepath.Join(root, "lib") + "\n" +
		"  lock_dir: " + filepath.Join(root, "locks") + "\n"
	if err := os.WriteFile(cfgPath, []byte(layout), 0o600); err != nil {
		t.Fatal(err)
	}
	bundles := filepath.Join(root, "bundles")
	bundleFixture(t, bundles, "webview")
	bundleFixture(t, bundles, "camera")

	code := run(cliOptions{
		command:    "load",
		args:       []string{bundles},
		configPath: cfgPath,
		stage:      "resources",
		logFile:    filepath.Join(root, "logs", "m.log"),
	})
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d: %s", code, out.String())
	}
	var doc struct {
		Results []loadResult   `json:"results"`
		Metrics map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", out.String(), err)
	}
	if len(doc.Results) != 2 {
		t.Fatalf("Expected two results, got %v", doc.Results)
	}
	for _, r := range doc.Results {
		if !r.Loaded || r.Stage != "resources" {
			t.Errorf("Expected %s to reach resources, got %+v", r.Module, r)
		}
	}
	if doc.Metrics["loads_succeeded"] != float64(2) {
		t.Errorf("Expected two successful loads, got %v", doc.Metrics["loads_succeeded"])
	}
}

func TestRunLoadFailures(t *testing.T) {
	_, errOut := useBufferWriters(t)
	root := t.TempDir()

	if code := run(cliOptions{command: "load", args: []string{root}, stage: "everything", logFile: filepath.Join(root, "m.log")}); code != 2 {
		t.Errorf("Expected exit code 2 for a bad stage, got %d", code)
	}
	if code := run(cliOptions{command: "load", args: []string{filepath.Join(root, "empty")}, stage: "app", logFile: filepath.Join(root, "m.log")}); code != 1 {
		t.Errorf("Expected exit code 1 without bundles, got %d", code)
	}
	if !strings.Contains(errOut.String(), "no bundles found") {
		t.Errorf("Expected a no bundles message, got %q", errOut.String())
	}
}
