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

package config

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/common/model"

	"github.com/parca-dev/erprof/pkg/demangle"
	"github.com/parca-dev/erprof/pkg/tracer"
)

// Validate returns an error if the config is not valid.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Ingest, IngestValid),
		validation.Field(&c.Demangle, DemangleValid),
		validation.Field(&c.Tracing, TracingValid),
		validation.Field(&c.Experiments, validation.Each(validation.Required)),
	)
}

var IngestValid = IngestValidRule{}

// IngestValidRule is a validation rule for IngestConfig. It implements the validation.Rule interface.
type IngestValidRule struct{}

func (v IngestValidRule) Validate(value interface{}) error {
	c, ok := value.(IngestConfig)
	if !ok {
		return errors.New("ingest config is invalid")
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(int64(4)), AlignedValid),
		validation.Field(&c.ProgressInterval, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.StatTimeout, validation.Required, validation.Min(model.Duration(time.Millisecond))),
		validation.Field(&c.FrameCache, validation.Min(0)),
		validation.Field(&c.Parallelism, validation.Required, validation.Min(1)),
	)
}

var AlignedValid = AlignedRule{}

// AlignedRule requires a size to be a multiple of the packet alignment.
type AlignedRule struct{}

func (r AlignedRule) Validate(value interface{}) error {
	n, ok := value.(int64)
	if !ok {
		return errors.New("size is invalid")
	}
	if n%4 != 0 {
		return errors.New("must be a multiple of 4")
	}
	return nil
}

var DemangleValid = DemangleValidRule{}

type DemangleValidRule struct{}

func (v DemangleValidRule) Validate(value interface{}) error {
	c, ok := value.(DemangleConfig)
	if !ok {
		return errors.New("demangle config is invalid")
	}
	in := make([]interface{}, len(demangle.Options))
	for i, o := range demangle.Options {
		in[i] = o
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Options, validation.Each(validation.In(in...))),
	)
}

var TracingValid = TracingValidRule{}

type TracingValidRule struct{}

func (v TracingValidRule) Validate(value interface{}) error {
	c, ok := value.(TracingConfig)
	if !ok {
		return errors.New("tracing config is invalid")
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Exporter, validation.In(
			string(tracer.ExporterTypeGRPC),
			string(tracer.ExporterTypeHTTP),
			string(tracer.ExporterTypeStdio),
		)),
		validation.Field(&c.Endpoint, validation.When(
			c.Exporter == string(tracer.ExporterTypeGRPC) || c.Exporter == string(tracer.ExporterTypeHTTP),
			validation.Required,
		)),
		validation.Field(&c.Sampler, validation.In(
			string(tracer.SamplerTypeAlways),
			string(tracer.SamplerTypeNever),
			string(tracer.SamplerTypeRatioBased),
		)),
		validation.Field(&c.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	)
}
