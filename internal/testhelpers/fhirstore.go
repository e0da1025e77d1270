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

package testhelpers

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// FHIRStoreTestResource represents a test FHIR resource expected to be
// uploaded to FHIR store.
type FHIRStoreTestResource struct {
	ResourceID   string
	ResourceType string
	Data         []byte
}

// FHIRStoreServer creates a test FHIR store server that expects the provided
// expectedResources. If it receives valid upload requests that do not include
// elements from expectedResources, it will call t.Errorf with an error. At
// cleanup the server checks that the number of valid uploads matches the
// number of expectedResources. The test server's URL is returned.
func FHIRStoreServer(t *testing.T, expectedResources []FHIRStoreTestResource, projectID, location, datasetID, fhirStoreID string) string {
	t.Helper()
	var validResourcesUploaded mutexCounter
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		expectedResource := validateURLAndMatchResource(req.URL.String(), expectedResources, projectID, location, datasetID, fhirStoreID)
		if expectedResource == nil {
			t.Errorf("FHIR Store test server received an unexpected request at url: %s", req.URL.String())
			w.WriteHeader(500)
			return
		}
		if req.Method != http.MethodPut {
			t.Errorf("FHIR Store test server unexpected HTTP method. got: %v, want: %v", req.Method, http.MethodPut)
		}

		bodyContent, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("FHIR Store test server error reading body content for URL: %s", req.URL.String())
		}
		if !cmp.Equal(NormalizeJSON(t, bodyContent), NormalizeJSON(t, expectedResource.Data)) {
			t.Errorf("FHIR Store test server received unexpected body content. got: %s, want: %s", bodyContent, expectedResource.Data)
		}
		validResourcesUploaded.Increment()
		w.WriteHeader(200)
	}))

	t.Cleanup(func() {
		server.Close()
		if got := validResourcesUploaded.Value(); got != len(expectedResources) {
			t.Errorf("FHIR Store test server did not receive expected number of valid uploads. got: %v, want: %v", got, len(expectedResources))
		}
	})
	return server.URL
}

func validateURLAndMatchResource(callURL string, expectedResources []FHIRStoreTestResource, projectID, location, datasetID, fhirStoreID string) *FHIRStoreTestResource {
	for _, r := range expectedResources {
		expectedPath := fmt.Sprintf("/v1/projects/%s/locations/%s/datasets/%s/fhirStores/%s/fhir/%s/%s?", projectID, location, datasetID, fhirStoreID, r.ResourceType, r.ResourceID)
		if callURL == expectedPath {
			return &r
		}
	}
	return nil
}

type mutexCounter struct {
	m sync.Mutex
	i int
}

func (mc *mutexCounter) Increment() {
	mc.m.Lock()
	defer mc.m.Unlock()
	mc.i++
}

func (mc *mutexCounter) Value() int {
	mc.m.Lock()
	defer mc.m.Unlock()
	return mc.i
}
