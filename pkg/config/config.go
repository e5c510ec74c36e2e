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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of an erprof session.
type Config struct {
	Ingest   IngestConfig   `yaml:"ingest"`
	Demangle DemangleConfig `yaml:"demangle"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Experiments are opened by the watch command.
	Experiments []string `yaml:"experiments,omitempty"`
}

// IngestConfig tunes how experiment files are read.
type IngestConfig struct {
	ChunkSize        int64          `yaml:"chunk_size"`
	ProgressInterval int64          `yaml:"progress_interval"`
	StatTimeout      model.Duration `yaml:"stat_timeout"`
	FrameCache       int            `yaml:"frame_cache"`
	Parallelism      int            `yaml:"parallelism"`
}

type DemangleConfig struct {
	Options []string `yaml:"options,omitempty"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter,omitempty"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	Sampler     string  `yaml:"sampler,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			ChunkSize:        64 * 1024,
			ProgressInterval: 100 * 1024,
			StatTimeout:      model.Duration(5 * time.Second),
			Parallelism:      4,
		},
	}
}

// Load parses the YAML input s into a Config. Unset fields keep their
// defaults and unknown fields are an error.
func Load(s string) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewBufferString(s))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
