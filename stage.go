// stage.go: ordered readiness levels of a module
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"strings"
)

// Stage is one of the ordered levels a module is brought to.
// Stages are monotonic: reaching a stage implies every lower stage is loaded.
type Stage int

const (
	// StageEmpty is the state of a loader before any stage has completed.
	StageEmpty Stage = iota - 1
	// StageMetadata resolves the package metadata and the component index.
	StageMetadata
	// StageResources resolves the resource bundle.
	StageResources
	// StageCode creates the code loader and the module context.
	StageCode
	// StageApp resolves and invokes the module entry point.
	StageApp
)

// String returns the lower-case stage name.
func (s Stage) String() string {
	switch s {
	case StageEmpty:
		return "empty"
	case StageMetadata:
		return "metadata"
	case StageResources:
		return "resources"
	case StageCode:
		return "code"
	case StageApp:
		return "app"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Valid reports whether s is a loadable target stage.
func (s Stage) Valid() bool {
	return s >= StageMetadata && s <= StageApp
}

// ParseStage converts a stage name (or its legacy alias) into a Stage.
func ParseStage(name string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "metadata", "info":
		return StageMetadata, nil
	case "resources":
		return StageResources, nil
	case "code", "dex":
		return StageCode, nil
	case "app":
		return StageApp, nil
	}
	return StageEmpty, fmt.Errorf("unknown stage %q", name)
}
