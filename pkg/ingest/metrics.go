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

package ingest

import (
	"sort"
	"sync"
)

// DerivedMetric is a metric computed as the ratio of two recorded metrics,
// such as instructions per cycle.
type DerivedMetric struct {
	Name        string
	Description string
	Numerator   string
	Denominator string
}

// MetricRegistry collects the derived metrics experiments define. Several
// experiments of a session may share one; it is safe for concurrent use.
type MetricRegistry struct {
	mtx     sync.Mutex
	metrics map[string]DerivedMetric
}

func NewMetricRegistry() *MetricRegistry {
	return &MetricRegistry{metrics: map[string]DerivedMetric{}}
}

// Register adds m unless a metric with the same name exists. It reports
// whether m was added.
func (r *MetricRegistry) Register(m DerivedMetric) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.metrics[m.Name]; ok {
		return false
	}
	r.metrics[m.Name] = m
	return true
}

// Lookup returns the metric registered under name.
func (r *MetricRegistry) Lookup(name string) (DerivedMetric, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	m, ok := r.metrics[name]
	return m, ok
}

// All returns the registered metrics sorted by name.
func (r *MetricRegistry) All() []DerivedMetric {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	res := make([]DerivedMetric, 0, len(r.metrics))
	for _, m := range r.metrics {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}
