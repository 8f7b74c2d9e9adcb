//go:build cgo && (linux || darwin || freebsd)

package modloader

import (
	"path/filepath"
	"plugin"
)

// GoPluginLoaderFactory opens module code built with -buildmode=plugin.
// The code file is named by the MetaCodeFile metadata entry, relative to
// the bundle path.
type GoPluginLoaderFactory struct {
	Logger Logger
}

// GoPluginLoader is a CodeLoader over an opened Go plugin.
type GoPluginLoader struct {
	path   string
	parent CodeLoader
	p      *plugin.Plugin
}

// Path returns the opened plugin file.
func (l *GoPluginLoader) Path() string { return l.path }

// Lookup resolves symbol in the plugin, then in the parent loader.
func (l *GoPluginLoader) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err == nil {
		return sym, nil
	}
	if l.parent != nil {
		if v, perr := l.parent.Lookup(symbol); perr == nil {
			return v, nil
		}
	}
	return nil, err
}

// CreateCodeLoader implements CodeLoaderFactory.
func (f GoPluginLoaderFactory) CreateCodeLoader(md *Metadata, codePath, compiledOutputDir, nativeLibDir string, parent CodeLoader) (CodeLoader, error) {
	file, _ := md.MetaValue(MetaCodeFile)
	if file == "" {
		file = DefaultCodeFile
	}
	path := filepath.Join(codePath, file)
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Debug("Go plugin opened",
			"path", path,
			"compiled_output_dir", compiledOutputDir,
			"native_lib_dir", nativeLibDir)
	}
	return &GoPluginLoader{path: path, parent: parent, p: p}, nil
}
