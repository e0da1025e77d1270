// Copyright 2024 The epic_fhir_tools Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines a common metric interface that can be implemented by
// different metric clients. By default metrics are recorded locally and
// printed via GetResults; call InitAndExportGCP before the first Record to
// export to GCP Cloud Monitoring via OpenCensus instead.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/stackdriver"
	"go.opencensus.io/stats/view"

	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
)

type counterInterface interface {
	// Init should be called once before the Record method is called on this
	// counter. TagKeys are labels used for filtering the monitoring graphs.
	// Subsequent calls to Record() should provide the TagValues to the TagKeys
	// in the same order specified in Init. TagKeys should be a closed set of
	// values, for example FHIR Resource type. Counters should not store any PHI.
	Init(name, description, unit string, aggr aggregation.Aggregation, tagKeys ...string) error

	// Record adds val to the counter. The tagValues must match the tagKeys
	// provided in the call to Init. Init must be called before the first call
	// to Record. Counters should not store any PHI.
	Record(ctx context.Context, val int64, tagValues ...string) error

	// MaybeGetResult returns the recorded values if the implementation holds
	// them locally, or nil if the metric backend is authoritative.
	MaybeGetResult() map[string]int64
}

type latencyInterface interface {
	// Init should be called once before the Record method is called on this
	// metric. The distribution is defined by the buckets. Metrics should not
	// store any PHI.
	Init(name, description, unit string, buckets []float64, tagKeys ...string) error

	// Record adds val to the distribution. The tagValues must match the tagKeys
	// provided in the call to Init. Init must be called before the first call
	// to Record. Metrics should not store any PHI.
	Record(ctx context.Context, val float64, tagValues ...string) error

	// MaybeGetResult returns the recorded distributions if the implementation
	// holds them locally, or nil if the metric backend is authoritative.
	MaybeGetResult() map[string][]int
}

type implementationType int

const (
	localImp implementationType = iota
	gcpImp
)

var (
	globalMu           sync.Mutex
	implementation     = localImp
	globalRecordCalled bool

	counterRegistry = make(map[string]*Counter)
	latencyRegistry = make(map[string]*Latency)

	stackdriverExporter *stackdriver.Exporter
)

// ErrRecordBeforeInit is returned by InitAndExportGCP if any metric has
// already recorded a value; the implementation cannot be switched once
// recording has started.
var ErrRecordBeforeInit = errors.New("metrics.InitAndExportGCP must be called before the first Record call")

// InitAndExportGCP switches every metric in this process to the OpenCensus
// implementation and registers a Stackdriver exporter for the given GCP
// project. It must be called before the first Record call on any metric.
func InitAndExportGCP(projectID string) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalRecordCalled {
		return ErrRecordBeforeInit
	}
	exporter, err := stackdriver.NewExporter(stackdriver.Options{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("failed to create the Stackdriver exporter: %w", err)
	}
	view.RegisterExporter(exporter)
	view.SetReportingPeriod(60 * time.Second)
	stackdriverExporter = exporter
	implementation = gcpImp
	return nil
}

// CloseAll flushes any pending exports. Call this at the end of the program
// when InitAndExportGCP was used.
func CloseAll() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if stackdriverExporter != nil {
		stackdriverExporter.Flush()
	}
}

// GetResults returns the result of every registered metric. Results are only
// available for the default local implementation; when exporting to GCP the
// monitoring dashboards are the source of truth and an error is returned.
func GetResults() ([]CounterResult, []LatencyResult, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if implementation != localImp {
		return nil, nil, errors.New("metrics results are only available for the local metric implementation")
	}

	var counterResults []CounterResult
	for _, c := range counterRegistry {
		counterResults = append(counterResults, CounterResult{
			Count:       c.maybeGetResult(),
			Name:        c.name,
			Description: c.description,
			Unit:        c.unit,
			Aggregation: c.aggr,
			TagKeys:     c.tagKeys,
		})
	}
	var latencyResults []LatencyResult
	for _, l := range latencyRegistry {
		latencyResults = append(latencyResults, LatencyResult{
			Dist:        l.maybeGetResult(),
			Name:        l.name,
			Description: l.description,
			Unit:        l.unit,
			Buckets:     l.buckets,
			TagKeys:     l.tagKeys,
		})
	}
	return counterResults, latencyResults, nil
}

// ResetAll clears the recorded state of every registered metric and restores
// the default local implementation. Metrics stay registered, since most are
// package-level variables that cannot be re-created. Only for use in tests.
func ResetAll() {
	globalMu.Lock()
	defer globalMu.Unlock()
	for _, c := range counterRegistry {
		c.counterImp = nil
		c.once = sync.Once{}
	}
	for _, l := range latencyRegistry {
		l.latencyImp = nil
		l.once = sync.Once{}
	}
	implementation = localImp
	globalRecordCalled = false
	stackdriverExporter = nil
}
