// process_assigner.go: maps module-declared processes onto host process slots
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Symbolic targets accepted in a static process map.
const (
	ProcessSymbolUI         = "$ui"
	ProcessSymbolSlotPrefix = "$p"
)

// MinDynamicFrameworkVersion is the first framework version whose modules
// get round-robin process assignment when they declare no static map.
const MinDynamicFrameworkVersion = 4

// ProcessSlotMap maps a declared process name to a host process name.
type ProcessSlotMap map[string]string

// HostProcessTable is the host's fixed pool of pre-declared processes.
type HostProcessTable struct {
	// MainProcess is the host UI process targeted by "$ui".
	MainProcess string `json:"main_process" yaml:"main_process"`
	// Slots are the pre-declared worker processes; "$p<N>" targets Slots[N].
	Slots []string `json:"slots" yaml:"slots"`
}

// DefaultHostProcessTable builds the conventional table "<pkg>:p0".."<pkg>:p<n-1>".
func DefaultHostProcessTable(hostPackage string, count int) HostProcessTable {
	t := HostProcessTable{MainProcess: hostPackage}
	for i := 0; i < count; i++ {
		t.Slots = append(t.Slots, hostPackage+":p"+strconv.Itoa(i))
	}
	return t
}

// resolveSymbol maps a lower-cased static target to a real process name.
func (t HostProcessTable) resolveSymbol(to string) (string, bool) {
	if to == ProcessSymbolUI {
		return t.MainProcess, t.MainProcess != ""
	}
	if !strings.Contains(to, ProcessSymbolSlotPrefix) {
		return to, true
	}
	idx := strings.Index(to, ProcessSymbolSlotPrefix)
	n, err := strconv.Atoi(to[idx+len(ProcessSymbolSlotPrefix):])
	if err != nil || n < 0 || n >= len(t.Slots) {
		return "", false
	}
	return t.Slots[n], true
}

// AssignStrategy names how a ProcessSlotMap was produced.
type AssignStrategy string

const (
	AssignNone    AssignStrategy = "none"
	AssignStatic  AssignStrategy = "static"
	AssignDynamic AssignStrategy = "dynamic"
)

// Assignment is the result of one ProcessAssigner run.
type Assignment struct {
	Map      ProcessSlotMap
	Strategy AssignStrategy
}

// processMapEntry is one element of the static "process_map" metadata.
type processMapEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ProcessAssigner computes which host process each declared component runs in.
type ProcessAssigner struct {
	hosts  HostProcessTable
	logger Logger
}

// NewProcessAssigner creates an assigner over the host process table.
func NewProcessAssigner(hosts HostProcessTable, logger Logger) *ProcessAssigner {
	return &ProcessAssigner{hosts: hosts, logger: NewLogger(logger)}
}

// Assign computes the slot map for a module. A static table in the
// metadata always wins; the dynamic table is only built without one and
// for framework versions at or above MinDynamicFrameworkVersion.
func (a *ProcessAssigner) Assign(md *Metadata, frameworkVersion int, idx *ComponentIndex) Assignment {
	if static := a.staticMap(md); len(static) > 0 {
		return Assignment{Map: static, Strategy: AssignStatic}
	}
	if frameworkVersion >= MinDynamicFrameworkVersion {
		if dynamic := a.dynamicMap(md, idx); len(dynamic) > 0 {
			return Assignment{Map: dynamic, Strategy: AssignDynamic}
		}
	}
	return Assignment{Strategy: AssignNone}
}

func (a *ProcessAssigner) staticMap(md *Metadata) ProcessSlotMap {
	raw, ok := md.MetaValue(MetaProcessMap)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var entries []processMapEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		a.logger.Warn("Malformed static process map ignored",
			"package", md.PackageName, "error", err)
		return nil
	}
	out := make(ProcessSlotMap, len(entries))
	for _, e := range entries {
		if e.From == "" {
			continue
		}
		to, ok := a.hosts.resolveSymbol(strings.ToLower(e.To))
		if !ok {
			a.logger.Warn("Unresolvable process target skipped",
				"package", md.PackageName, "from", e.From, "to", e.To)
			continue
		}
		out[e.From] = to
	}
	return out
}

// dynamicMap assigns the distinct non-UI processes, in first-seen order,
// round-robin over the host slots.
func (a *ProcessAssigner) dynamicMap(md *Metadata, idx *ComponentIndex) ProcessSlotMap {
	if idx == nil || len(a.hosts.Slots) == 0 {
		return nil
	}
	procs := idx.Processes(md.PackageName)
	if len(procs) == 0 {
		return nil
	}
	out := make(ProcessSlotMap, len(procs))
	for i, p := range procs {
		out[p] = a.hosts.Slots[i%len(a.hosts.Slots)]
	}
	return out
}

// Adjust computes the slot map and applies it to idx once. It also applies
// the task-group rule for modules that opt out of the default grouping.
// Both rewrites are no-ops on an index that was already adjusted.
func (a *ProcessAssigner) Adjust(md *Metadata, moduleName string, frameworkVersion int, idx *ComponentIndex) Assignment {
	var result Assignment
	if !idx.ProcessAdjusted() {
		result = a.Assign(md, frameworkVersion, idx)
		if idx.ApplyProcessMap(result.Map) && len(result.Map) > 0 {
			a.logger.Debug("Module processes adjusted",
				"module", moduleName, "strategy", result.Strategy, "map", result.Map)
		}
	}
	if !md.MetaBool(MetaUseDefaultTaskAffinity, true) {
		idx.ApplyTaskGroup(md.PackageName, md.PackageName+"."+moduleName)
	}
	return result
}
