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

package erprof

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/erprof/pkg/config"
	"github.com/parca-dev/erprof/pkg/demangle"
	"github.com/parca-dev/erprof/pkg/experiment"
	"github.com/parca-dev/erprof/pkg/ingest"
)

// ExperimentOptions translates the ingest and demangle settings of cfg.
func ExperimentOptions(cfg *config.Config) ([]experiment.Option, error) {
	d, err := demangle.New(cfg.Demangle.Options...)
	if err != nil {
		return nil, err
	}
	return []experiment.Option{
		experiment.WithChunkSize(cfg.Ingest.ChunkSize),
		experiment.WithProgressInterval(cfg.Ingest.ProgressInterval),
		experiment.WithStatTimeout(time.Duration(cfg.Ingest.StatTimeout)),
		experiment.WithFrameCache(cfg.Ingest.FrameCache),
		experiment.WithDemangler(d),
	}, nil
}

// Session opens experiments with shared counters and derived metrics. It is
// safe for concurrent use.
type Session struct {
	logger  log.Logger
	tracer  trace.Tracer
	stats   *ingest.Stats
	metrics *ingest.MetricRegistry

	mtx         sync.RWMutex
	opts        []experiment.Option
	parallelism int
	progress    map[string]*ingest.AtomicProgress
}

func NewSession(logger log.Logger, reg prometheus.Registerer, tracer trace.Tracer, cfg *config.Config) (*Session, error) {
	s := &Session{
		logger:   logger,
		tracer:   tracer,
		stats:    ingest.NewStats(reg),
		metrics:  ingest.NewMetricRegistry(),
		progress: map[string]*ingest.AtomicProgress{},
	}
	if err := s.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyConfig changes the options of experiments opened from now on.
func (s *Session) ApplyConfig(cfg *config.Config) error {
	opts, err := ExperimentOptions(cfg)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.opts = opts
	s.parallelism = cfg.Ingest.Parallelism
	return nil
}

// Metrics returns the derived metrics of every experiment opened so far.
func (s *Session) Metrics() *ingest.MetricRegistry { return s.metrics }

// Progress returns the latest progress report of the experiment at path,
// while or after it is opened.
func (s *Session) Progress(path string) (int, string, bool) {
	s.mtx.RLock()
	p, ok := s.progress[path]
	s.mtx.RUnlock()
	if !ok {
		return 0, "", false
	}
	percent, msg := p.Load()
	return percent, msg, true
}

func (s *Session) context(path string) *ingest.Context {
	logger := log.With(s.logger, "path", path)
	progress := ingest.NewAtomicProgress()
	s.mtx.Lock()
	s.progress[path] = progress
	s.mtx.Unlock()
	return ingest.NewContext(
		ingest.WithLogger(logger),
		ingest.WithStats(s.stats),
		ingest.WithMetricRegistry(s.metrics),
		ingest.WithTracer(s.tracer),
		ingest.WithProgress(ingest.ProgressFunc(func(percent int, msg string) {
			progress.Report(percent, msg)
			level.Debug(logger).Log("msg", msg, "percent", percent)
		})),
	)
}

// Open opens one experiment.
func (s *Session) Open(ctx context.Context, path string) *experiment.Experiment {
	s.mtx.RLock()
	opts := s.opts
	s.mtx.RUnlock()
	return experiment.Open(ctx, s.context(path), path, opts...)
}

// OpenAll opens the experiments at paths concurrently. The result keeps
// the order of paths. Failed experiments are returned too; only
// cancellation of ctx is an error.
func (s *Session) OpenAll(ctx context.Context, paths []string) ([]*experiment.Experiment, error) {
	s.mtx.RLock()
	parallelism := s.parallelism
	s.mtx.RUnlock()

	res := make([]*experiment.Experiment, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res[i] = s.Open(ctx, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
