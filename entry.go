// entry.go: entry point resolution across calling-convention variants
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

// Default symbol names looked up in a module's code loader.
const (
	DefaultEntrySymbol        = "Entry"
	DefaultLibraryEntrySymbol = "LibraryEntry"
	DefaultApplicationSymbol  = "Application"
)

// ModuleEntry is the activated entry object of a module.
type ModuleEntry interface {
	// Query returns the named capability exported by the module, or nil.
	Query(name string) any
}

// Binder is an opaque handle exchanged with binder-style entry points.
type Binder interface {
	Query(name string) any
}

// Communicator is the host-side manager handed to entry points.
type Communicator interface {
	CodeLoaderOf(module string) CodeLoader
	ContextOf(module string) *ModuleContext
	ModuleNameForPackage(pkg string) (string, bool)
}

// ModuleContext is the runtime execution context of a loaded module.
type ModuleContext struct {
	Name        string
	PackageName string
	Metadata    *Metadata
	Resources   Resources
	CodeLoader  CodeLoader
	Components  *ComponentIndex
	Logger      Logger
}

// Entry point function shapes, one per calling convention.
type (
	// DirectEntryFunc returns the entry object directly.
	DirectEntryFunc = func(*ModuleContext, Communicator) (ModuleEntry, error)
	// BinderEntryFunc returns a binder that is wrapped as the entry object.
	// The Binder argument is the communication manager; see CommunicatorQuery.
	BinderEntryFunc = func(*ModuleContext, CodeLoader, Binder) (Binder, error)
)

// CommunicatorQuery is the name under which the manager binder handed to
// binder-style entry points returns the Communicator.
const CommunicatorQuery = "communicator"

// managerBinder exposes the Communicator to binder-style entry points.
// Other queries go to the host binder.
type managerBinder struct {
	comm Communicator
	host Binder
}

func (b managerBinder) Query(name string) any {
	if name == CommunicatorQuery {
		return b.comm
	}
	if b.host == nil {
		return nil
	}
	return b.host.Query(name)
}

// EntryVariant is one calling convention.
type EntryVariant struct {
	Name   string
	Symbol string
	// bind returns false when the symbol has a different shape.
	bind func(sym any, mc *ModuleContext, comm Communicator, host Binder) (bool, ModuleEntry, error)
}

func bindDirect(sym any, mc *ModuleContext, comm Communicator, _ Binder) (bool, ModuleEntry, error) {
	var fn DirectEntryFunc
	switch f := sym.(type) {
	case DirectEntryFunc:
		if f == nil {
			return false, nil, nil
		}
		fn = f
	case *DirectEntryFunc:
		if f == nil || *f == nil {
			return false, nil, nil
		}
		fn = *f
	default:
		return false, nil, nil
	}
	entry, err := fn(mc, comm)
	return true, entry, err
}

func bindBinder(sym any, mc *ModuleContext, comm Communicator, host Binder) (bool, ModuleEntry, error) {
	var fn BinderEntryFunc
	switch f := sym.(type) {
	case BinderEntryFunc:
		if f == nil {
			return false, nil, nil
		}
		fn = f
	case *BinderEntryFunc:
		if f == nil || *f == nil {
			return false, nil, nil
		}
		fn = *f
	default:
		return false, nil, nil
	}
	b, err := fn(mc, mc.CodeLoader, managerBinder{comm: comm, host: host})
	if err != nil {
		return true, nil, err
	}
	if b == nil {
		return true, nil, nil
	}
	return true, binderEntry{b}, nil
}

// binderEntry adapts a Binder to ModuleEntry.
type binderEntry struct {
	binder Binder
}

func (e binderEntry) Query(name string) any { return e.binder.Query(name) }

// noopEntry stands in for dummy modules.
type noopEntry struct{}

func (noopEntry) Query(string) any { return nil }

// EntryResolver locates and invokes a module's entry point.
type EntryResolver struct {
	variants []EntryVariant
	host     Binder
	logger   Logger
}

// NewEntryResolver creates a resolver trying, in order, the direct
// convention and the binder convention under entrySymbol, then the
// library convention under librarySymbol.
func NewEntryResolver(entrySymbol, librarySymbol string, host Binder, logger Logger) *EntryResolver {
	if entrySymbol == "" {
		entrySymbol = DefaultEntrySymbol
	}
	if librarySymbol == "" {
		librarySymbol = DefaultLibraryEntrySymbol
	}
	return &EntryResolver{
		variants: []EntryVariant{
			{Name: "direct", Symbol: entrySymbol, bind: bindDirect},
			{Name: "binder", Symbol: entrySymbol, bind: bindBinder},
			{Name: "library", Symbol: librarySymbol, bind: bindBinder},
		},
		host:   host,
		logger: NewLogger(logger),
	}
}

// Variants returns the variant names in resolution order.
func (r *EntryResolver) Variants() []string {
	names := make([]string, len(r.variants))
	for i, v := range r.variants {
		names[i] = v.Name
	}
	return names
}

// Resolve returns the entry object of the module. The first variant whose
// symbol exists with the expected shape is invoked; if that invocation
// fails or yields nothing the module has no usable entry.
func (r *EntryResolver) Resolve(mc *ModuleContext, comm Communicator, dummy bool) (ModuleEntry, string, error) {
	if dummy {
		r.logger.Warn("Dummy module gets a no-op entry", "module", mc.Name)
		return noopEntry{}, "dummy", nil
	}
	if mc.CodeLoader == nil {
		return nil, "", NewEntryPointNotFoundError(mc.Name, r.symbols())
	}

	lookups := make(map[string]any, 2)
	for _, v := range r.variants {
		sym, seen := lookups[v.Symbol]
		if !seen {
			s, err := mc.CodeLoader.Lookup(v.Symbol)
			if err != nil {
				s = nil
			}
			lookups[v.Symbol] = s
			sym = s
		}
		if sym == nil {
			continue
		}
		matched, entry, err := v.bind(sym, mc, comm, r.host)
		if !matched {
			continue
		}
		if err != nil {
			return nil, v.Name, NewEntryInvocationError(mc.Name, v.Name, err)
		}
		if entry == nil {
			return nil, v.Name, NewEntryInvocationError(mc.Name, v.Name, nil).
				WithContext("reason", "entry returned nil")
		}
		r.logger.Debug("Module entry resolved", "module", mc.Name, "variant", v.Name)
		return entry, v.Name, nil
	}
	return nil, "", NewEntryPointNotFoundError(mc.Name, r.symbols())
}

func (r *EntryResolver) symbols() []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range r.variants {
		if !seen[v.Symbol] {
			seen[v.Symbol] = true
			out = append(out, v.Symbol)
		}
	}
	return out
}

// ModuleApplication is the optional long-lived application object of a
// module, created once after the module reaches StageApp.
type ModuleApplication interface {
	Attach(mc *ModuleContext)
	OnCreate()
	OnLowMemory()
	OnTrimMemory(level int)
	OnConfigurationChanged(cfg map[string]string)
}

// ApplicationFactory is the expected shape of the Application symbol.
type ApplicationFactory = func() ModuleApplication

func lookupApplication(cl CodeLoader, symbol string) (ApplicationFactory, bool) {
	if cl == nil {
		return nil, false
	}
	sym, err := cl.Lookup(symbol)
	if err != nil || sym == nil {
		return nil, false
	}
	switch f := sym.(type) {
	case ApplicationFactory:
		return f, f != nil
	case *ApplicationFactory:
		if f == nil || *f == nil {
			return nil, false
		}
		return *f, true
	}
	return nil, false
}
