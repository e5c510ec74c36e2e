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
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/erprof/pkg/prbtree"
)

func parse(t *testing.T, args ...string) (*flags, *kong.Context, error) {
	t.Helper()
	f := &flags{}
	p, err := kong.New(f, kong.Name("erprof"))
	require.NoError(t, err)
	kctx, err := p.Parse(args)
	return f, kctx, err
}

func TestFlags(t *testing.T) {
	f, kctx, err := parse(t, "--log-level=debug", "export", "app.er", "-o", "out.pb.gz", "--kind=HWC", "--java")
	require.NoError(t, err)
	require.Equal(t, "export <path>", kctx.Command())
	require.Equal(t, "debug", f.LogLevel)
	require.Equal(t, "logfmt", f.LogFormat)
	require.Equal(t, "app.er", f.Export.Path)
	require.Equal(t, "HWC", f.Export.Kind)
	require.Equal(t, "pprof", f.Export.Format)
	require.True(t, f.Export.Java)

	f, _, err = parse(t, "--otlp-exporter=grpc", "--otlp-address=localhost:4317", "summary", "a.er", "b.er")
	require.NoError(t, err)
	require.Equal(t, "grpc", f.OTLP.Exporter)
	require.Equal(t, "localhost:4317", f.OTLP.Address)
	require.Equal(t, []string{"a.er", "b.er"}, f.Summary.Paths)

	_, _, err = parse(t, "export", "app.er", "-o", "x", "--format=svg")
	require.Error(t, err)

	_, _, err = parse(t, "--log-level=trace", "version")
	require.Error(t, err)
}

func TestFormatTime(t *testing.T) {
	require.Equal(t, "-", formatTime(prbtree.MaxTime))
	require.Equal(t, "1.5s", formatTime(1_500_000_000))
}
