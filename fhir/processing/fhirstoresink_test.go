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

	"github.com/medallion/epic_fhir_tools/fhirstore"
	"github.com/medallion/epic_fhir_tools/internal/testhelpers"
)

func TestFHIRStoreSink(t *testing.T) {
	resources := []testhelpers.FHIRStoreTestResource{
		{ResourceID: "p1", ResourceType: "Patient", Data: []byte(`{"resourceType":"Patient","id":"p1"}`)},
		{ResourceID: "o1", ResourceType: "Observation", Data: []byte(`{"resourceType":"Observation","id":"o1","status":"final"}`)},
	}
	serverURL := testhelpers.FHIRStoreServer(t, resources, "testProject", "testLocation", "testDataset", "testStore")

	sink, err := NewFHIRStoreSink(context.Background(), &fhirstore.Config{
		CloudHealthcareEndpoint: serverURL,
		ProjectID:               "testProject",
		Location:                "testLocation",
		DatasetID:               "testDataset",
		FHIRStoreID:             "testStore",
	}, 2)
	if err != nil {
		t.Fatalf("NewFHIRStoreSink() returned unexpected error: %v", err)
	}
	p, err := NewPipeline(nil, []Sink{sink})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}

	for _, r := range resources {
		if err := p.Process(context.Background(), r.ResourceType, "url", r.Data); err != nil {
			t.Fatalf("pipeline.Process() returned unexpected error: %v", err)
		}
	}
	// Finalize blocks until the uploader workers drain, after which the test
	// server's cleanup check verifies every resource was uploaded exactly once.
	if err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("pipeline.Finalize() returned unexpected error: %v", err)
	}
}
