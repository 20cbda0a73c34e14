package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orizon-lang/taskcore/internal/cli"
	"github.com/orizon-lang/taskcore/internal/config"
	"github.com/orizon-lang/taskcore/internal/registry"
	"github.com/orizon-lang/taskcore/internal/worker"
)

const toolName = "taskcore-worker"

type pluginList []string

func (p *pluginList) String() string     { return strings.Join(*p, ",") }
func (p *pluginList) Set(v string) error { *p = append(*p, v); return nil }

func main() {
	var (
		showVersion  bool
		jsonOutput   bool
		validateOnly bool
		printDefault bool
		configFile   string
		nodeName     string
		listenAddr   string
		logLevel     string
		functionDir  string
		plugins      pluginList
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "JSON output for version and logs")
	flag.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&printDefault, "print-default", false, "print the default configuration and exit")
	flag.StringVar(&configFile, "config", "", "worker configuration file (JSON); reloaded on change")
	flag.StringVar(&nodeName, "node", "", "override node_name")
	flag.StringVar(&listenAddr, "listen", "", "override listen_address")
	flag.StringVar(&logLevel, "log-level", "", "override log_level")
	flag.StringVar(&functionDir, "functions", "", "override function_dir (plugins loaded on demand)")
	flag.Var(&plugins, "plugin", "function library to load at startup (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs a task worker node.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		cli.PrintVersion(os.Stdout, toolName, jsonOutput)
		return
	}
	if printDefault {
		data, _ := json.MarshalIndent(config.DefaultWorkerConfig, "", "  ")
		fmt.Println(string(data))
		return
	}

	cfg := config.DefaultWorkerConfig.Clone()
	if configFile != "" {
		loaded, err := config.NewLoader().LoadFromFile(configFile)
		if err != nil {
			cli.ExitWithError("%v", err)
		}
		cfg = loaded
	}
	applyOverrides(cfg, nodeName, listenAddr, logLevel, functionDir)
	if jsonOutput {
		cfg.LogJSON = true
	}
	if err := config.Validate(cfg); err != nil {
		cli.ExitWithError("invalid configuration: %v", err)
	}
	if validateOnly {
		fmt.Println("configuration OK")
		return
	}

	log, err := cli.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	reg := registry.New()
	for _, p := range plugins {
		if err := reg.LoadPlugin(p); err != nil {
			cli.ExitWithError("%v", err)
		}
	}
	log.WithField("functions", len(reg.Names())).Debug("function registry ready")

	var opts []worker.Option
	if configFile != "" {
		opts = append(opts, worker.WithConfigPath(configFile))
	}
	w, err := worker.New(cfg, reg, log, opts...)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker exited with error")
		os.Exit(1)
	}
}

func applyOverrides(cfg *config.WorkerConfig, node, listen, level, functions string) {
	if node != "" {
		cfg.NodeName = node
	}
	if listen != "" {
		cfg.ListenAddress = listen
	}
	if level != "" {
		cfg.LogLevel = level
	}
	if functions != "" {
		cfg.FunctionDir = functions
	}
}
