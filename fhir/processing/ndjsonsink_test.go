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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/internal/testhelpers"
)

func silverResourceJSON(resourceType, id string) []byte {
	return []byte(`{"resourceType":"` + resourceType + `","id":"` + id + `","meta":{"tag":[{"system":"http://terminology.hl7.org/CodeSystem/v3-ObservationValue","code":"SILVER","display":"Silver Quality Tier"}]}}`)
}

func goldResourceJSON(resourceType, id string) []byte {
	return []byte(`{"resourceType":"` + resourceType + `","id":"` + id + `","meta":{"tag":[{"system":"http://terminology.hl7.org/CodeSystem/v3-ObservationValue","code":"GOLD","display":"Gold Quality Tier"}]}}`)
}

func TestNDJSONSink_PartitionsByTypeAndTier(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewNDJSONSink(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewNDJSONSink() returned unexpected error: %v", err)
	}
	p, err := NewPipeline(nil, []Sink{sink})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}

	inputs := []struct {
		resourceType string
		json         []byte
	}{
		{"Patient", silverResourceJSON("Patient", "p1")},
		{"Patient", silverResourceJSON("Patient", "p2")},
		{"Observation", goldResourceJSON("Observation", "o1")},
	}
	for _, input := range inputs {
		if err := p.Process(context.Background(), input.resourceType, "url", input.json); err != nil {
			t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
		}
	}
	if err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("pipeline.Finalize() returned unexpected error: %v", err)
	}

	patientData, err := os.ReadFile(filepath.Join(dir, "silver", "Patient_0.ndjson"))
	if err != nil {
		t.Fatalf("could not read Silver Patient NDJSON file: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(patientData), "\n"), "\n")
	if got := len(lines); got != 2 {
		t.Fatalf("unexpected number of lines in Silver Patient NDJSON file. got: %d, want: 2", got)
	}
	for i, id := range []string{"p1", "p2"} {
		want := string(testhelpers.NormalizeJSON(t, silverResourceJSON("Patient", id)))
		got := string(testhelpers.NormalizeJSON(t, []byte(lines[i])))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("unexpected resource on line %d. diff: (-want +got):\n%s", i, diff)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "gold", "Observation_0.ndjson")); err != nil {
		t.Errorf("expected Gold Observation NDJSON file to exist: %v", err)
	}
}

func TestNDJSONSink_DirectoryMustExist(t *testing.T) {
	if _, err := NewNDJSONSink(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("NewNDJSONSink() with a missing directory succeeded, want error")
	}
}

func TestGCSNDJSONSink(t *testing.T) {
	server := testhelpers.NewGCSServer(t)
	sink, err := NewGCSNDJSONSink(context.Background(), server.URL(), "fhirBucket", "out")
	if err != nil {
		t.Fatalf("NewGCSNDJSONSink() returned unexpected error: %v", err)
	}
	p, err := NewPipeline(nil, []Sink{sink})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}

	input := goldResourceJSON("Patient", "p1")
	if err := p.Process(context.Background(), "Patient", "url", input); err != nil {
		t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
	}
	if err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("pipeline.Finalize() returned unexpected error: %v", err)
	}

	obj, ok := server.GetObject("fhirBucket", "out/gold/Patient_0.ndjson")
	if !ok {
		t.Fatal("expected object out/gold/Patient_0.ndjson to exist in fhirBucket")
	}
	want := string(testhelpers.NormalizeJSON(t, input)) + "\n"
	got := string(testhelpers.NormalizeJSON(t, []byte(strings.TrimSuffix(string(obj.Data), "\n")))) + "\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected uploaded NDJSON content. diff: (-want +got):\n%s", diff)
	}
}
