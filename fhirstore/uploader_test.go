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

package fhirstore_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/fhirstore"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
	"github.com/medallion/epic_fhir_tools/internal/testhelpers"
)

func TestUploader(t *testing.T) {
	resources := []testhelpers.FHIRStoreTestResource{
		{
			ResourceID:   "PatientID",
			ResourceType: "Patient",
			Data:         []byte(`{"resourceType":"Patient","id":"PatientID"}`),
		},
		{
			ResourceID:   "PatientID2",
			ResourceType: "Patient",
			Data:         []byte(`{"resourceType":"Patient","id":"PatientID2"}`),
		},
		{
			ResourceID:   "ObservationID",
			ResourceType: "Observation",
			Data:         []byte(`{"resourceType":"Observation","id":"ObservationID","status":"final"}`),
		},
		{
			ResourceID:   "EncounterID",
			ResourceType: "Encounter",
			Data:         []byte(`{"resourceType":"Encounter","id":"EncounterID","status":"finished"}`),
		},
	}

	testServerURL := testhelpers.FHIRStoreServer(t, resources, "test", "loc", "dataset", "fhirstore")

	metrics.ResetAll()
	errCounter := metrics.NewCounter("upload-test-errors", "Upload errors.", "1", aggregation.Count, "FHIRResourceType")
	u := fhirstore.NewUploader(fhirstore.UploaderConfig{
		FHIRStoreConfig: &fhirstore.Config{
			CloudHealthcareEndpoint: testServerURL,
			ProjectID:               "test",
			Location:                "loc",
			DatasetID:               "dataset",
			FHIRStoreID:             "fhirstore",
		},
		MaxWorkers:   2,
		ErrorCounter: errCounter,
	})

	for _, r := range resources {
		u.Upload(r.Data)
	}
	u.DoneUploading()
	u.Wait()

	if got := counterTotals(t, "upload-test-errors"); len(got) != 0 {
		t.Errorf("Uploader unexpected errors. got: %v, want none", got)
	}
	// At the end of the test, testhelpers.FHIRStoreServer will automatically
	// ensure that all resources in the resources slice were uploaded to the
	// server.
}

func TestUploader_Errors(t *testing.T) {
	resources := []testhelpers.FHIRStoreTestResource{
		{
			ResourceID:   "PatientID",
			ResourceType: "Patient",
			Data:         []byte(`{"resourceType":"Patient","id":"PatientID"}`),
		},
		{
			ResourceID:   "ObservationID",
			ResourceType: "Observation",
			Data:         []byte(`{"resourceType":"Observation","id":"ObservationID","status":"final"}`),
		},
	}

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(500)
	}))
	defer testServer.Close()

	metrics.ResetAll()
	errCounter := metrics.NewCounter("upload-test-failure-errors", "Upload errors.", "1", aggregation.Count, "FHIRResourceType")
	u := fhirstore.NewUploader(fhirstore.UploaderConfig{
		FHIRStoreConfig: &fhirstore.Config{
			CloudHealthcareEndpoint: testServer.URL,
			ProjectID:               "test",
			Location:                "loc",
			DatasetID:               "dataset",
			FHIRStoreID:             "fhirstore",
		},
		MaxWorkers:   2,
		ErrorCounter: errCounter,
	})

	for _, r := range resources {
		u.Upload(r.Data)
	}
	u.DoneUploading()
	u.Wait()

	want := map[string]int64{"Patient": 1, "Observation": 1}
	if diff := cmp.Diff(want, counterTotals(t, "upload-test-failure-errors")); diff != "" {
		t.Errorf("unexpected upload error counts. diff: (-want +got):\n%s", diff)
	}
}

// counterTotals returns the recorded counts for the named metric, or an empty
// map if Record was never called on it.
func counterTotals(t *testing.T, name string) map[string]int64 {
	t.Helper()
	counterResults, _, err := metrics.GetResults()
	if err != nil {
		t.Fatalf("metrics.GetResults() returned unexpected error: %v", err)
	}
	for _, result := range counterResults {
		if result.Name == name && result.Count != nil {
			return result.Count
		}
	}
	return map[string]int64{}
}
