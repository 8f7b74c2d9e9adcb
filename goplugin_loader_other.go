//go:build !cgo || !(linux || darwin || freebsd)

package modloader

import "fmt"

// GoPluginLoaderFactory is unavailable on this platform; every call fails.
type GoPluginLoaderFactory struct {
	Logger Logger
}

// CreateCodeLoader implements CodeLoaderFactory.
func (GoPluginLoaderFactory) CreateCodeLoader(md *Metadata, codePath, compiledOutputDir, nativeLibDir string, parent CodeLoader) (CodeLoader, error) {
	return nil, fmt.Errorf("go plugins are not supported on this platform (module code at %s)", codePath)
}
