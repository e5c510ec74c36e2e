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

// Package ingest carries the collaborators an experiment needs while it is
// read: where progress goes, how property names and derived metrics are
// registered, and where counters and spans are reported.
package ingest

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/parca-dev/erprof/pkg/datadesc"
)

// Context is created once per experiment open and threaded through every
// reading stage.
type Context struct {
	Logger   log.Logger
	Progress Progress
	Props    *datadesc.Registry
	Metrics  *MetricRegistry
	Stats    *Stats
	Tracer   trace.Tracer
}

// Option configures a Context.
type Option func(*Context)

func WithLogger(logger log.Logger) Option {
	return func(c *Context) { c.Logger = logger }
}

func WithProgress(p Progress) Option {
	return func(c *Context) { c.Progress = p }
}

// WithMetricRegistry shares one derived-metric registry between several
// experiments of a session.
func WithMetricRegistry(m *MetricRegistry) Option {
	return func(c *Context) { c.Metrics = m }
}

func WithStats(s *Stats) Option {
	return func(c *Context) { c.Stats = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Context) { c.Tracer = t }
}

// NewContext returns a Context with no-op defaults for every collaborator
// not set by an option.
func NewContext(opts ...Option) *Context {
	c := &Context{}
	for _, o := range opts {
		o(c)
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Progress == nil {
		c.Progress = NopProgress{}
	}
	if c.Props == nil {
		c.Props = datadesc.NewRegistry()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetricRegistry()
	}
	if c.Stats == nil {
		c.Stats = NewStats(nil)
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return c
}

// Stats are the ingestion counters exported to Prometheus.
type Stats struct {
	Packets          *prometheus.CounterVec
	InvalidPackets   prometheus.Counter
	Bytes            prometheus.Counter
	MissingFrameInfo prometheus.Counter
	Stacks           prometheus.Counter
	Experiments      *prometheus.CounterVec
}

// NewStats creates the counters and registers them with reg if it is not
// nil. Create it once per registry and share it between contexts.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erprof_packets_total",
				Help: "Number of binary packets decoded.",
			},
			[]string{"kind"},
		),
		InvalidPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erprof_invalid_packets_total",
			Help: "Number of binary packets skipped as invalid.",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erprof_read_bytes_total",
			Help: "Number of bytes of experiment data files consumed.",
		}),
		MissingFrameInfo: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erprof_missing_frameinfo_total",
			Help: "Number of events whose frame info packet was not found.",
		}),
		Stacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erprof_callstacks_interned_total",
			Help: "Number of distinct call stack nodes interned.",
		}),
		Experiments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erprof_experiments_opened_total",
				Help: "Number of experiments opened by final status.",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(s.Packets)
		reg.MustRegister(s.InvalidPackets)
		reg.MustRegister(s.Bytes)
		reg.MustRegister(s.MissingFrameInfo)
		reg.MustRegister(s.Stacks)
		reg.MustRegister(s.Experiments)
	}
	return s
}
