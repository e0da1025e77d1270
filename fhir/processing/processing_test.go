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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
	"github.com/medallion/epic_fhir_tools/internal/testhelpers"
)

// markerProcessor adds a marker element to every resource it sees.
type markerProcessor struct {
	BaseProcessor
	marker string
}

func (mp *markerProcessor) Process(ctx context.Context, resource ResourceWrapper) error {
	res, err := resource.Resource()
	if err != nil {
		return err
	}
	res["language"] = mp.marker
	return mp.Output(ctx, resource)
}

func TestPipeline_ProcessorsAppliedInOrder(t *testing.T) {
	ts := &TestSink{}
	p, err := NewPipeline([]Processor{
		&markerProcessor{marker: "first"},
		&markerProcessor{marker: "second"},
	}, []Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}

	input := []byte(`{"resourceType":"Patient","id":"p1"}`)
	if err := p.Process(context.Background(), "Patient", "https://example.com/Patient", input); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}
	if err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("pipeline.Finalize() returned unexpected error: %v", err)
	}

	if got := len(ts.WrittenResources); got != 1 {
		t.Fatalf("unexpected number of resources written to sink. got: %d, want: 1", got)
	}
	if !ts.FinalizeCalled {
		t.Error("expected Finalize to be called on the sink")
	}

	gotJSON, err := ts.WrittenResources[0].JSON()
	if err != nil {
		t.Fatalf("resource.JSON() returned unexpected error: %v", err)
	}
	// The second processor runs after the first, so its marker wins.
	wantJSON := []byte(`{"resourceType":"Patient","id":"p1","language":"second"}`)
	gotNorm := testhelpers.NormalizeJSON(t, gotJSON)
	wantNorm := testhelpers.NormalizeJSON(t, wantJSON)
	if diff := cmp.Diff(string(wantNorm), string(gotNorm)); diff != "" {
		t.Errorf("unexpected resource written to sink. diff: (-want +got):\n%s", diff)
	}
}

func TestPipeline_NoProcessors(t *testing.T) {
	ts := &TestSink{}
	p, err := NewPipeline(nil, []Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	input := []byte(`{"resourceType":"Observation","id":"o1"}`)
	if err := p.Process(context.Background(), "Observation", "url", input); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}
	got, err := ts.WrittenResources[0].JSON()
	if err != nil {
		t.Fatalf("resource.JSON() returned unexpected error: %v", err)
	}
	if diff := cmp.Diff(string(input), string(got)); diff != "" {
		t.Errorf("resource passed through empty pipeline was altered. diff: (-want +got):\n%s", diff)
	}
}

func TestPipeline_ResourceIsReadOnlyInSink(t *testing.T) {
	ts := &TestSink{}
	p, err := NewPipeline(nil, []Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	if err := p.Process(context.Background(), "Patient", "url", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}

	res, err := ts.WrittenResources[0].Resource()
	if !errors.Is(err, ErrorDoNotModifyResource) {
		t.Errorf("resource.Resource() in sink stage: got error %v, want ErrorDoNotModifyResource", err)
	}
	if res == nil {
		t.Error("resource.Resource() in sink stage returned a nil resource")
	}
}

func TestPipeline_InputBufferMayBeReused(t *testing.T) {
	ts := &TestSink{}
	p, err := NewPipeline(nil, []Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}

	buf := []byte(`{"resourceType":"Patient","id":"p1"}`)
	if err := p.Process(context.Background(), "Patient", "url", buf); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}
	for i := range buf {
		buf[i] = 'x'
	}

	got, err := ts.WrittenResources[0].JSON()
	if err != nil {
		t.Fatalf("resource.JSON() returned unexpected error: %v", err)
	}
	want := `{"resourceType":"Patient","id":"p1"}`
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("overwriting the input buffer altered the stored resource. diff: (-want +got):\n%s", diff)
	}
}

func TestPipeline_OperationOutcomeIssuesCounted(t *testing.T) {
	metrics.ResetAll()
	p, err := NewPipeline(nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	outcome := []byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid"},{"severity":"warning","code":"security"}]}`)
	if err := p.Process(context.Background(), "OperationOutcome", "url", outcome); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}

	counterResults, _, err := metrics.GetResults()
	if err != nil {
		t.Fatalf("metrics.GetResults() returned unexpected error: %v", err)
	}
	found := false
	for _, result := range counterResults {
		if result.Name != "operation-outcome-counter" {
			continue
		}
		found = true
		wantCount := map[string]int64{"error-invalid": 1, "warning-security": 1}
		if diff := cmp.Diff(wantCount, result.Count); diff != "" {
			t.Errorf("unexpected operation outcome counts. diff: (-want +got):\n%s", diff)
		}
	}
	if !found {
		t.Error("operation-outcome-counter not found in metric results")
	}
}
