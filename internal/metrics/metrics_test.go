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

package metrics

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
)

func TestCounterWithTags(t *testing.T) {
	defer ResetAll()
	ResetAll()

	ctx := context.Background()
	c := NewCounter("test-resources-repaired", "Test counter.", "1", aggregation.Count, "ResourceType", "Tier")
	if err := c.Record(ctx, 2, "Patient", "SILVER"); err != nil {
		t.Fatalf("Record() returned error: %v", err)
	}
	if err := c.Record(ctx, 1, "Patient", "SILVER"); err != nil {
		t.Fatalf("Record() returned error: %v", err)
	}
	if err := c.Record(ctx, 5, "Observation", "GOLD"); err != nil {
		t.Fatalf("Record() returned error: %v", err)
	}

	want := map[string]int64{"Patient-SILVER": 3, "Observation-GOLD": 5}
	if diff := cmp.Diff(want, counterResult(t, "test-resources-repaired").Count); diff != "" {
		t.Errorf("unexpected counts (-want +got):\n%s", diff)
	}
}

// counterResult returns the result of the named counter, failing the test if
// it is not registered.
func counterResult(t *testing.T, name string) CounterResult {
	t.Helper()
	counters, _, err := GetResults()
	if err != nil {
		t.Fatalf("GetResults() returned error: %v", err)
	}
	for _, c := range counters {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("counter %q not found in results", name)
	return CounterResult{}
}

func TestCounterMaxAggregation(t *testing.T) {
	defer ResetAll()
	ResetAll()

	ctx := context.Background()
	c := NewCounter("test-max", "Test max counter.", "1", aggregation.LastValueInGCPMaxValueInLocal)
	for _, v := range []int64{3, 9, 4} {
		if err := c.Record(ctx, v); err != nil {
			t.Fatalf("Record() returned error: %v", err)
		}
	}

	if got := counterResult(t, "test-max").Count["test-max"]; got != 9 {
		t.Errorf("max count = %d, want 9", got)
	}
}

func TestCounterTagMismatch(t *testing.T) {
	defer ResetAll()
	ResetAll()

	c := NewCounter("test-mismatch", "Test counter.", "1", aggregation.Count, "ResourceType")
	if err := c.Record(context.Background(), 1); err == nil {
		t.Error("Record() with missing tag values did not return an error")
	}
}

func TestDuplicateCounterNameReturnsExisting(t *testing.T) {
	defer ResetAll()
	ResetAll()

	a := NewCounter("test-duplicate", "Test counter.", "1", aggregation.Count)
	b := NewCounter("test-duplicate", "Test counter.", "1", aggregation.Count)
	if a != b {
		t.Error("NewCounter with a duplicate name did not return the existing counter")
	}
}

func TestLatencyBuckets(t *testing.T) {
	defer ResetAll()
	ResetAll()

	ctx := context.Background()
	l := NewLatency("test-page-latency", "Test latency.", "ms", []float64{0, 10, 100}, "ResourceType")
	for _, v := range []float64{-1, 5, 50, 500, 7} {
		if err := l.Record(ctx, v, "Patient"); err != nil {
			t.Fatalf("Record() returned error: %v", err)
		}
	}

	_, latencies, err := GetResults()
	if err != nil {
		t.Fatalf("GetResults() returned error: %v", err)
	}
	want := map[string][]int{"Patient": {1, 2, 1, 1}}
	for _, l := range latencies {
		if l.Name != "test-page-latency" {
			continue
		}
		if diff := cmp.Diff(want, l.Dist); diff != "" {
			t.Errorf("unexpected distribution (-want +got):\n%s", diff)
		}
		return
	}
	t.Fatal("latency test-page-latency not found in results")
}
