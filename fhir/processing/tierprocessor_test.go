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

package processing

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/fhir"
	"github.com/medallion/epic_fhir_tools/fhir/tiers"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
)

// runTierPipeline pushes one resource through a pipeline containing a single
// tier processor and returns the resulting resource.
func runTierPipeline(t *testing.T, target tiers.Tier, resourceType string, jsonIn []byte) map[string]any {
	t.Helper()
	tp, err := NewTierProcessor(target, tiers.Moderate, false)
	if err != nil {
		t.Fatalf("NewTierProcessor() returned unexpected error: %v", err)
	}
	ts := &TestSink{}
	p, err := NewPipeline([]Processor{tp}, []Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	if err := p.Process(context.Background(), resourceType, "url", jsonIn); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}
	if err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("pipeline.Finalize() returned unexpected error: %v", err)
	}
	if got := len(ts.WrittenResources); got != 1 {
		t.Fatalf("unexpected number of resources written to sink. got: %d, want: 1", got)
	}
	res, err := ts.WrittenResources[0].Resource()
	if err != nil && err != ErrorDoNotModifyResource {
		t.Fatalf("resource.Resource() returned unexpected error: %v", err)
	}
	return res
}

func TestTierProcessor_BronzeToSilver(t *testing.T) {
	metrics.ResetAll()
	res := runTierPipeline(t, tiers.Silver, "Observation", []byte(`{"resourceType":"Observation","id":"o1","code":{"text":"Glucose"}}`))

	if got := currentTier(res); got != tiers.Silver {
		t.Errorf("unexpected tier tag on output resource. got: %s, want: %s", got, tiers.Silver)
	}
	if got, _ := fhir.GetString(res, "status"); got != "unknown" {
		t.Errorf("missing Observation status was not backfilled. got: %q, want: \"unknown\"", got)
	}

	counterResults, _, err := metrics.GetResults()
	if err != nil {
		t.Fatalf("metrics.GetResults() returned unexpected error: %v", err)
	}
	var repairCount map[string]int64
	for _, result := range counterResults {
		if result.Name == "fhir-tier-repair-counter" {
			repairCount = result.Count
		}
	}
	wantCount := map[string]int64{"Observation-SILVER": 1}
	if diff := cmp.Diff(wantCount, repairCount); diff != "" {
		t.Errorf("unexpected repair counts. diff: (-want +got):\n%s", diff)
	}
}

func TestTierProcessor_SilverInputPromotedToGold(t *testing.T) {
	silver := []byte(`{"resourceType":"Encounter","id":"e1","status":"finished","meta":{"tag":[{"system":"http://terminology.hl7.org/CodeSystem/v3-ObservationValue","code":"SILVER","display":"Silver Quality Tier"}]}}`)
	res := runTierPipeline(t, tiers.Gold, "Encounter", silver)

	if got := currentTier(res); got != tiers.Gold {
		t.Errorf("unexpected tier tag on output resource. got: %s, want: %s", got, tiers.Gold)
	}
	// The Silver status is untouched, confirming the Bronze repairs were not
	// re-run on an already-Silver resource.
	if got, _ := fhir.GetString(res, "status"); got != "finished" {
		t.Errorf("unexpected Encounter status. got: %q, want: \"finished\"", got)
	}
	if _, ok := fhir.GetMap(res, "text"); !ok {
		t.Error("Gold promotion did not generate a narrative")
	}
}

func TestTierProcessor_BronzeToGoldComposed(t *testing.T) {
	res := runTierPipeline(t, tiers.Gold, "Encounter", []byte(`{"resourceType":"Encounter","id":"e1"}`))

	if got := currentTier(res); got != tiers.Gold {
		t.Errorf("unexpected tier tag on output resource. got: %s, want: %s", got, tiers.Gold)
	}
	// The Silver stage ran too, so the missing status was repaired.
	if got, _ := fhir.GetString(res, "status"); got != "unknown" {
		t.Errorf("unexpected Encounter status. got: %q, want: \"unknown\"", got)
	}
}

func TestTierProcessor_InvalidTarget(t *testing.T) {
	if _, err := NewTierProcessor(tiers.Bronze, tiers.Moderate, false); err == nil {
		t.Error("NewTierProcessor(Bronze) succeeded, want error")
	}
}
