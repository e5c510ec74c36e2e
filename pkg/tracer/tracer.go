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

// Copyright (c) The Thanos Authors.
// Licensed under the Apache License 2.0.

package tracer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type (
	ExporterType string
	SamplerType  string
)

const (
	ExporterTypeGRPC  ExporterType = "grpc"
	ExporterTypeHTTP  ExporterType = "http"
	ExporterTypeStdio ExporterType = "stdout"

	SamplerTypeAlways     SamplerType = "always"
	SamplerTypeNever      SamplerType = "never"
	SamplerTypeRatioBased SamplerType = "ratio_based"
)

type Exporter interface {
	sdktrace.SpanExporter

	Start(context.Context) error
}

// Provider is a tracer provider together with the exporter feeding it.
type Provider struct {
	trace.TracerProvider

	exporter Exporter
	sdk      *sdktrace.TracerProvider
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// NewSampler returns the sampler of the given type. Ratio is only used by
// ratio based sampling.
func NewSampler(typ string, ratio float64) (sdktrace.Sampler, error) {
	switch SamplerType(strings.ToLower(typ)) {
	case "", SamplerTypeAlways:
		return sdktrace.AlwaysSample(), nil
	case SamplerTypeNever:
		return sdktrace.NeverSample(), nil
	case SamplerTypeRatioBased:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
	default:
		return nil, fmt.Errorf("unknown sampler type: %s", typ)
	}
}

// NewProvider returns a provider exporting spans through exporter, or a
// no-op provider if exporter is nil. The exporter is started.
func NewProvider(ctx context.Context, version string, exporter Exporter, sampler sdktrace.Sampler) (*Provider, error) {
	if exporter == nil {
		return &Provider{TracerProvider: noop.NewTracerProvider()}, nil
	}
	if err := exporter.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exporter: %w", err)
	}

	res, err := resources(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if sampler == nil {
		sampler = sdktrace.AlwaysSample()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(provider)

	return &Provider{TracerProvider: provider, exporter: exporter, sdk: provider}, nil
}

// NewExporter returns the exporter of the given type. An empty type
// disables tracing and returns a nil exporter.
func NewExporter(exType, otlpAddress string, otlpInsecure bool) (Exporter, error) {
	switch ExporterType(strings.ToLower(exType)) {
	case "":
		return nil, nil
	case ExporterTypeGRPC:
		return NewGRPCExporter(otlpAddress, otlpInsecure)
	case ExporterTypeHTTP:
		return NewHTTPExporter(otlpAddress, otlpInsecure)
	case ExporterTypeStdio:
		return NewConsoleExporter(os.Stderr)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", exType)
	}
}

type consoleExporter struct {
	*stdouttrace.Exporter
}

func (c *consoleExporter) Start(_ context.Context) error {
	return nil
}

// NewConsoleExporter returns an exporter printing spans to w.
func NewConsoleExporter(w io.Writer) (Exporter, error) {
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	return &consoleExporter{exp}, nil
}

// NewGRPCExporter returns a gRPC exporter.
func NewGRPCExporter(otlpAddress string, otlpInsecure bool) (Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(otlpAddress)}
	if otlpInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.NewUnstarted(opts...), nil
}

// NewHTTPExporter returns a HTTP exporter.
func NewHTTPExporter(otlpAddress string, otlpInsecure bool) (Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(otlpAddress)}
	if otlpInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptrace.NewUnstarted(otlptracehttp.NewClient(
		opts...,
	)), nil
}

func resources(ctx context.Context, version string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("erprof"),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
