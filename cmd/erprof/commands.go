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
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/erprof/pkg/config"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/experiment"
	"github.com/parca-dev/erprof/pkg/export"
	"github.com/parca-dev/erprof/pkg/prbtree"
)

// reportProgress logs the stage every experiment at paths is reading until
// ctx is done.
func (a *app) reportProgress(ctx context.Context, paths []string) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, path := range paths {
				if percent, msg, ok := a.session.Progress(path); ok && percent < 100 {
					level.Info(a.logger).Log("msg", "reading experiment", "path", path, "stage", msg, "percent", percent)
				}
			}
		}
	}
}

type summaryCmd struct {
	Paths []string `arg:"" optional:"" help:"Experiment directories. Defaults to the experiments of the config file."`
}

func (c *summaryCmd) Run(a *app) error {
	paths := c.Paths
	if len(paths) == 0 {
		paths = a.cfg.Experiments
	}
	if len(paths) == 0 {
		return errors.New("no experiments given")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.reportProgress(ctx, paths)

	exps, err := a.session.OpenAll(ctx, paths)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Experiment", "Status", "Version", "Data", "Errors", "Warnings", "Duration"})
	for _, e := range exps {
		kinds := make([]string, 0, len(e.Kinds()))
		for _, k := range e.Kinds() {
			kinds = append(kinds, k.Name)
		}
		table.Append([]string{
			e.Path(),
			e.Status().String(),
			e.Version(),
			strings.Join(kinds, ","),
			strconv.Itoa(e.Errors().Len()),
			strconv.Itoa(e.Warnings().Len()),
			time.Duration(e.EndTime() - e.StartTime()).String(),
		})
	}
	table.Render()
	return nil
}

type messagesCmd struct {
	Path string `arg:"" help:"Experiment directory."`
}

func (c *messagesCmd) Run(a *app) error {
	e := a.session.Open(context.Background(), c.Path)
	for _, q := range []*emsg.Queue{e.Errors(), e.Warnings(), e.Notes(), e.Comments()} {
		for _, m := range q.All() {
			fmt.Printf("%s\t%s\t%s\n", q.Name(), m.Kind(), m.Text())
		}
	}
	if e.Status() == experiment.Failure {
		return fmt.Errorf("experiment %s failed to open", c.Path)
	}
	return nil
}

type mapsCmd struct {
	Path string `arg:"" help:"Experiment directory."`
}

func formatTime(ts int64) string {
	if ts == prbtree.MaxTime {
		return "-"
	}
	return time.Duration(ts).String()
}

func (c *mapsCmd) Run(a *app) error {
	e := a.session.Open(context.Background(), c.Path)
	if e.Status() == experiment.Failure {
		return fmt.Errorf("experiment %s failed to open", c.Path)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Start", "End", "Offset", "Object", "Loaded", "Unloaded"})
	for _, s := range e.Segments() {
		table.Append([]string{
			fmt.Sprintf("0x%x", s.Base),
			fmt.Sprintf("0x%x", s.Base+s.Size),
			fmt.Sprintf("0x%x", s.FileOffset),
			s.Name(),
			formatTime(s.Load),
			formatTime(s.Unload),
		})
	}
	table.Render()
	return nil
}

type exportCmd struct {
	Path   string `arg:"" help:"Experiment directory."`
	Kind   string `default:"CLOCK" help:"Data kind to export."`
	Format string `default:"pprof" enum:"pprof,arrow" help:"Output format."`
	Output string `short:"o" required:"" help:"File to write to."`
	Java   bool   `help:"Use the Java call stacks where the experiment has them."`
}

func (c *exportCmd) Run(a *app) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.reportProgress(ctx, []string{c.Path})
	e := a.session.Open(ctx, c.Path)
	if e.Status() == experiment.Failure {
		return fmt.Errorf("experiment %s failed to open", c.Path)
	}

	f, err := os.Create(c.Output)
	if err != nil {
		return err
	}
	defer f.Close()

	switch c.Format {
	case "arrow":
		d, err := e.DataDescriptor(ctx, c.Kind)
		if err != nil {
			return err
		}
		if err := export.WriteArrow(f, memory.NewGoAllocator(), d); err != nil {
			return fmt.Errorf("write arrow: %w", err)
		}
	default:
		p, err := export.Pprof(ctx, a.tracer, e, c.Kind, export.Options{Java: c.Java})
		if err != nil {
			return err
		}
		if err := p.Write(f); err != nil {
			return fmt.Errorf("write pprof: %w", err)
		}
	}

	level.Info(a.logger).Log("msg", "exported experiment", "path", c.Path, "kind", c.Kind, "format", c.Format, "output", c.Output)
	return f.Close()
}

type watchCmd struct {
	Paths       []string `arg:"" optional:"" help:"Experiment directories. Defaults to the experiments of the config file."`
	HTTPAddress string   `default:"" help:"Address to serve metrics on. Disabled when empty."`
}

func (c *watchCmd) Run(a *app) error {
	paths := c.Paths
	if len(paths) == 0 {
		paths = a.cfg.Experiments
	}
	if len(paths) == 0 {
		return errors.New("no experiments given")
	}

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt))

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			// Returns once every experiment has completed.
			eg, ctx := errgroup.WithContext(ctx)
			for _, path := range paths {
				eg.Go(func() error {
					return a.session.Watch(ctx, path, func(e *experiment.Experiment) {
						level.Info(a.logger).Log(
							"msg", "experiment updated",
							"path", e.Path(),
							"status", e.Status(),
							"errors", e.Errors().Len(),
							"warnings", e.Warnings().Len(),
						)
					})
				})
			}
			return eg.Wait()
		}, func(error) {
			cancel()
		})
	}

	if a.flags.ConfigPath != "" {
		reloader, err := config.NewConfigReloader(a.logger, a.registry, a.flags.ConfigPath, []config.ComponentReloader{{
			Name:     "session",
			Reloader: a.session.ApplyConfig,
		}})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return reloader.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if c.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: c.HTTPAddress, Handler: mux}
		g.Add(func() error {
			level.Info(a.logger).Log("msg", "serving metrics", "address", c.HTTPAddress)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	var sig run.SignalError
	if err := g.Run(); err != nil && !errors.As(err, &sig) {
		return err
	}
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(*app) error {
	figure.NewColorFigure("erprof", "roman", "cyan", true).Print()
	fmt.Println(version.Print("erprof"))
	return nil
}
