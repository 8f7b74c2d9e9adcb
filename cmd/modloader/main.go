// main.go: command line front end for the module loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	modloader "github.com/agilira/go-modloader"
)

const usage = `usage: modloader [flags] <command> [args]

commands:
  load <bundle-dir>...   register the bundles and load them to --stage
  dump                   print the effective configuration and --bundles contents
  serve                  serve --bundles over gRPC on --listen

flags:
`

type cliOptions struct {
	command    string
	args       []string
	configPath string
	logLevel   string
	logFile    string
	stage      string
	bundles    string
	listen     string
	noCache    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func newFlagSet() (*pflag.FlagSet, *cliOptions) {
	opts := &cliOptions{}
	fs := pflag.NewFlagSet("modloader", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (JSON, YAML or TOML; MODLOADER_CONFIG)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFile, "log-file", "", "rotating log file; stdout when empty")
	fs.StringVarP(&opts.stage, "stage", "s", "app", "target stage: metadata, resources, code, app")
	fs.StringVar(&opts.bundles, "bundles", "", "directory of bundle directories")
	fs.StringVar(&opts.listen, "listen", "127.0.0.1:7450", "gRPC listen address for serve")
	fs.BoolVar(&opts.noCache, "no-cache", false, "skip the stage cache on load")
	return fs, opts
}

func parseCLIFlags(args []string) (cliOptions, error) {
	fs, opts := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("failed to parse arguments: %w", err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return cliOptions{}, errors.New(usage + fs.FlagUsages())
	}
	opts.command = rest[0]
	opts.args = rest[1:]
	if opts.configPath == "" {
		opts.configPath = os.Getenv("MODLOADER_CONFIG")
	}
	switch opts.command {
	case "load":
		if len(opts.args) == 0 {
			return cliOptions{}, errors.New("load requires at least one bundle directory")
		}
	case "dump":
	case "serve":
		if opts.bundles == "" {
			return cliOptions{}, errors.New("serve requires --bundles")
		}
	default:
		return cliOptions{}, fmt.Errorf("unknown command %q", opts.command)
	}
	return *opts, nil
}

func loadConfig(opts cliOptions) (modloader.LoaderConfig, error) {
	cfg := modloader.DefaultLoaderConfig()
	if opts.configPath != "" {
		loaded, err := modloader.LoadConfigFromFile(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.FilePath = opts.logFile
	}
	return cfg, nil
}

func run(opts cliOptions) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to load configuration: %v\n", err)
		return 1
	}
	base, err := modloader.NewLogrusLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to initialize logging: %v\n", err)
		return 1
	}
	logger := modloader.NewLogrusAdapter(base)

	switch opts.command {
	case "dump":
		return runDump(opts, cfg)
	case "serve":
		return runServe(opts, cfg, base, logger)
	default:
		return runLoad(opts, cfg, logger)
	}
}

type app struct {
	coord    *modloader.LoadCoordinator
	registry *modloader.ModuleRegistry
	status   *modloader.StatusWatcher
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func newApp(cfg modloader.LoaderConfig, logger modloader.Logger) (*app, error) {
	a := &app{}
	collab := modloader.BundleCollaborators(modloader.GoPluginLoaderFactory{Logger: logger}, logger)

	if cfg.StatusFile != "" {
		w, err := modloader.NewStatusWatcher(cfg.StatusFile, modloader.DefaultStatusWatcherOptions(), logger)
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		a.status = w
		a.closers = append(a.closers, w.Stop)
		collab.Status = w.Table()
	}
	if cfg.TransportEndpoint != "" {
		t, err := modloader.NewGRPCHostTransport(cfg.TransportEndpoint)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, t.Close)
		collab.Transport = t
	}

	coord, err := modloader.NewLoadCoordinator(cfg, collab, modloader.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}
	a.coord = coord
	a.registry = modloader.NewModuleRegistry(coord, nil)
	return a, nil
}

// collectBundles accepts bundle directories and directories of bundles.
func collectBundles(paths []string, logger modloader.Logger) []modloader.ModuleDescriptor {
	var out []modloader.ModuleDescriptor
	for _, p := range paths {
		if m, err := modloader.ReadBundleManifest(p); err == nil {
			abs, _ := filepath.Abs(p)
			out = append(out, m.Descriptor(abs))
			continue
		}
		descs, errs := modloader.ScanBundles(p)
		for _, err := range errs {
			logger.Warn("Bundle skipped", "path", p, "error", err)
		}
		out = append(out, descs...)
	}
	return out
}

type loadResult struct {
	Module  string `json:"module"`
	Stage   string `json:"stage"`
	Loaded  bool   `json:"loaded"`
	Variant string `json:"entry_variant,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runLoad(opts cliOptions, cfg modloader.LoaderConfig, logger modloader.Logger) int {
	stage, err := modloader.ParseStage(opts.stage)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to initialize loader: %v\n", err)
		return 1
	}
	defer a.close()

	descs := collectBundles(opts.args, logger)
	if len(descs) == 0 {
		fmt.Fprintln(stdErr, "no bundles found")
		return 1
	}

	results := make([]loadResult, 0, len(descs))
	failed := 0
	for _, d := range descs {
		a.registry.Insert(d)
		h, ok := a.registry.LoadHandle(d.Name, stage, !opts.noCache)
		res := loadResult{Module: d.Name, Stage: stage.String(), Loaded: ok}
		if h != nil {
			if l := h.Loader(); l != nil {
				_, res.Variant = l.Entry()
				if err := l.LastError(); err != nil && !ok {
					res.Error = err.Error()
				}
			}
		}
		if !ok {
			failed++
		}
		results = append(results, res)
	}
	writeJSON(map[string]any{
		"results": results,
		"metrics": a.coord.Metrics().Snapshot(),
	})
	if failed > 0 {
		return 1
	}
	return 0
}

func runDump(opts cliOptions, cfg modloader.LoaderConfig) int {
	out := map[string]any{"config": cfg}
	if opts.bundles != "" {
		descs, errs := modloader.ScanBundles(opts.bundles)
		out["bundles"] = descs
		if len(errs) > 0 {
			msgs := make([]string, len(errs))
			for i, err := range errs {
				msgs[i] = err.Error()
			}
			out["errors"] = msgs
		}
	}
	writeJSON(out)
	return 0
}

func runServe(opts cliOptions, cfg modloader.LoaderConfig, base *logrus.Logger, logger modloader.Logger) int {
	// serve is the coordinating process; it never dials another one.
	cfg.TransportEndpoint = ""
	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to initialize loader: %v\n", err)
		return 1
	}
	defer a.close()

	for _, d := range collectBundles([]string{opts.bundles}, logger) {
		a.registry.Insert(d)
	}

	lis, err := net.Listen("tcp", opts.listen)
	if err != nil {
		fmt.Fprintf(stdErr, "failed to listen on %s: %v\n", opts.listen, err)
		return 1
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(modloader.LoggerInterceptor(logger)))
	modloader.RegisterHostServer(srv, modloader.RegistryHostService{Registry: a.registry})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	base.WithFields(logrus.Fields{
		"action":  "listen",
		"address": lis.Addr().String(),
		"modules": len(a.registry.List()),
	}).Info("Module host service started")

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		fmt.Fprintf(stdErr, "gRPC server failed: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(v any) {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
