// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/erprof/pkg/config"
	"github.com/parca-dev/erprof/pkg/erprof"
	"github.com/parca-dev/erprof/pkg/tracer"
)

type flags struct {
	LogLevel   string `default:"info" enum:"error,warn,info,debug" help:"Log level."`
	LogFormat  string `default:"logfmt" enum:"logfmt,json" help:"Configure if structured logging as JSON or as logfmt"`
	DebugName  string `hidden:"" help:"Name to add to log lines."`
	ConfigPath string `default:"" help:"Path to the YAML config file. Command line flags are used when empty."`

	OTLP struct {
		Exporter string `help:"OpenTelemetry trace exporter: grpc, http or stdout. Tracing is off when empty."`
		Address  string `help:"OpenTelemetry collector address to send traces to."`
		Insecure bool   `help:"Send traces without TLS."`
	} `embed:"" prefix:"otlp-"`

	Summary  summaryCmd  `cmd:"" help:"Open experiments and print their status."`
	Messages messagesCmd `cmd:"" help:"Print the errors, warnings, notes and comments of an experiment."`
	Maps     mapsCmd     `cmd:"" help:"Print the address space mappings of an experiment."`
	Export   exportCmd   `cmd:"" help:"Export the events of one data kind as pprof or Arrow."`
	Watch    watchCmd    `cmd:"" help:"Follow experiments that are still being recorded."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

// app is what every command runs with.
type app struct {
	logger   log.Logger
	registry *prometheus.Registry
	cfg      *config.Config
	session  *erprof.Session
	tracer   trace.Tracer
	flags    *flags
}

func main() {
	f := &flags{}
	kctx := kong.Parse(f,
		kong.Name("erprof"),
		kong.Description("Reads profiling experiments recorded by the collector."),
		kong.UsageOnError(),
	)

	logger := erprof.NewLogger(os.Stderr, f.LogLevel, f.LogFormat, f.DebugName)
	if err := runApp(kctx, logger, f); err != nil {
		level.Error(logger).Log("msg", "Program exited with error", "err", err)
		os.Exit(1)
	}
}

func runApp(kctx *kong.Context, logger log.Logger, f *flags) error {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFile(f.ConfigPath); err != nil {
			return err
		}
	}
	if f.OTLP.Exporter != "" {
		cfg.Tracing.Exporter = f.OTLP.Exporter
		cfg.Tracing.Endpoint = f.OTLP.Address
		cfg.Tracing.Insecure = f.OTLP.Insecure
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	exporter, err := tracer.NewExporter(cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return err
	}
	sampler, err := tracer.NewSampler(cfg.Tracing.Sampler, cfg.Tracing.SampleRatio)
	if err != nil {
		return err
	}
	provider, err := tracer.NewProvider(ctx, version.Version, exporter, sampler)
	if err != nil {
		return fmt.Errorf("create tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to flush traces", "err", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tr := provider.Tracer("erprof")
	session, err := erprof.NewSession(logger, registry, tr, cfg)
	if err != nil {
		return err
	}

	return kctx.Run(&app{
		logger:   logger,
		registry: registry,
		cfg:      cfg,
		session:  session,
		tracer:   tr,
		flags:    f,
	})
}
