// stage_cache.go: process-wide memo of stage artifacts keyed by storage key
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ArtifactKind selects one of the four stage artifact maps.
type ArtifactKind int

const (
	KindMetadata ArtifactKind = iota
	KindResources
	KindCodeLoader
	KindComponentIndex
)

func (k ArtifactKind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindResources:
		return "resources"
	case KindCodeLoader:
		return "code_loader"
	case KindComponentIndex:
		return "component_index"
	}
	return "unknown"
}

var artifactKinds = [...]ArtifactKind{KindMetadata, KindResources, KindCodeLoader, KindComponentIndex}

// ArtifactCache memoizes stage artifacts by storage key.
//
// Entries are advisory: a caller that finds an artifact missing must
// recompute that stage. There is no transaction spanning kinds.
type ArtifactCache interface {
	Get(kind ArtifactKind, key string) (any, bool)
	Put(kind ArtifactKind, key string, artifact any)
	Invalidate(key string)
	Purge()
}

// StageCacheConfig bounds each artifact map.
type StageCacheConfig struct {
	// Size is the maximum number of entries per kind.
	Size int `json:"size" yaml:"size"`
	// TTL expires entries by age; zero disables expiry.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultStageCacheConfig returns the default cache bounds.
func DefaultStageCacheConfig() StageCacheConfig {
	return StageCacheConfig{Size: 64, TTL: 0}
}

// StageCache is the default ArtifactCache: four independent LRU maps,
// each with its own lock, so work on different kinds never contends.
type StageCache struct {
	maps [len(artifactKinds)]*expirable.LRU[string, any]
}

// NewStageCache creates a cache with the given bounds.
func NewStageCache(cfg StageCacheConfig) *StageCache {
	if cfg.Size <= 0 {
		cfg.Size = DefaultStageCacheConfig().Size
	}
	c := &StageCache{}
	for _, kind := range artifactKinds {
		c.maps[kind] = expirable.NewLRU[string, any](cfg.Size, nil, cfg.TTL)
	}
	return c
}

func (c *StageCache) lru(kind ArtifactKind) *expirable.LRU[string, any] {
	if kind < 0 || int(kind) >= len(c.maps) {
		return nil
	}
	return c.maps[kind]
}

// Get returns the cached artifact of kind for key.
func (c *StageCache) Get(kind ArtifactKind, key string) (any, bool) {
	m := c.lru(kind)
	if m == nil {
		return nil, false
	}
	v, ok := m.Get(key)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Put stores artifact under key. Nil artifacts are ignored.
func (c *StageCache) Put(kind ArtifactKind, key string, artifact any) {
	m := c.lru(kind)
	if m == nil || artifact == nil {
		return
	}
	m.Add(key, artifact)
}

// Invalidate removes every kind of artifact stored for key.
func (c *StageCache) Invalidate(key string) {
	for _, m := range c.maps {
		m.Remove(key)
	}
}

// Purge drops every artifact.
func (c *StageCache) Purge() {
	for _, m := range c.maps {
		m.Purge()
	}
}

// Snapshot returns the number of cached entries per kind.
func (c *StageCache) Snapshot() map[string]int {
	out := make(map[string]int, len(c.maps))
	for _, kind := range artifactKinds {
		out[kind.String()] = c.maps[kind].Len()
	}
	return out
}

// Typed accessors. A value of the wrong type counts as a miss.

func cachedMetadata(c ArtifactCache, key string) *Metadata {
	v, ok := c.Get(KindMetadata, key)
	if !ok {
		return nil
	}
	md, _ := v.(*Metadata)
	return md
}

func cachedResources(c ArtifactCache, key string) Resources {
	v, ok := c.Get(KindResources, key)
	if !ok {
		return nil
	}
	r, _ := v.(Resources)
	return r
}

func cachedCodeLoader(c ArtifactCache, key string) CodeLoader {
	v, ok := c.Get(KindCodeLoader, key)
	if !ok {
		return nil
	}
	cl, _ := v.(CodeLoader)
	return cl
}

func cachedComponentIndex(c ArtifactCache, key string) *ComponentIndex {
	v, ok := c.Get(KindComponentIndex, key)
	if !ok {
		return nil
	}
	idx, _ := v.(*ComponentIndex)
	return idx
}

// IdentityIndex holds the strong cross references package name -> module
// name and module name -> storage key, so modules sharing identity resolve
// to the same cached artifacts.
type IdentityIndex struct {
	mu        sync.RWMutex
	pkgToName map[string]string
	nameToKey map[string]string
}

// NewIdentityIndex creates an empty index.
func NewIdentityIndex() *IdentityIndex {
	return &IdentityIndex{
		pkgToName: make(map[string]string),
		nameToKey: make(map[string]string),
	}
}

// Record stores both cross references.
func (x *IdentityIndex) Record(pkg, name, key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if pkg != "" {
		x.pkgToName[pkg] = name
	}
	x.nameToKey[name] = key
}

// ModuleName returns the module name registered for a package.
func (x *IdentityIndex) ModuleName(pkg string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	name, ok := x.pkgToName[pkg]
	return name, ok
}

// StorageKey returns the storage key last recorded for a module name.
func (x *IdentityIndex) StorageKey(name string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	key, ok := x.nameToKey[name]
	return key, ok
}

// Forget drops the references of a module name.
func (x *IdentityIndex) Forget(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.nameToKey, name)
	for pkg, n := range x.pkgToName {
		if n == name {
			delete(x.pkgToName, pkg)
		}
	}
}

// Len returns the number of module names with a recorded storage key.
func (x *IdentityIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nameToKey)
}
