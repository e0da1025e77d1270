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

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/epicfhir"
	"github.com/medallion/epic_fhir_tools/fhir/processing"
)

type noAuthAuthenticator struct{}

func (na *noAuthAuthenticator) Authenticate(hc *http.Client) error            { return nil }
func (na *noAuthAuthenticator) AuthenticateIfNecessary(hc *http.Client) error { return nil }
func (na *noAuthAuthenticator) AddAuthenticationToRequest(hc *http.Client, req *http.Request) error {
	return nil
}

// recordingCursorStore captures the timestamps stored after a run.
type recordingCursorStore struct {
	since  time.Time
	stored []time.Time
}

func (rcs *recordingCursorStore) Load(ctx context.Context) (time.Time, error) {
	return rcs.since, nil
}
func (rcs *recordingCursorStore) Store(ctx context.Context, ts time.Time) error {
	rcs.stored = append(rcs.stored, ts)
	return nil
}

type erroringCursorStore struct{}

func (ecs *erroringCursorStore) Load(ctx context.Context) (time.Time, error) {
	return time.Time{}, errors.New("corrupt cursor file")
}
func (ecs *erroringCursorStore) Store(ctx context.Context, ts time.Time) error { return nil }

func bundlePage(next string, resources ...string) string {
	entries := ""
	for i, r := range resources {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"resource":%s}`, r)
	}
	links := ""
	if next != "" {
		links = fmt.Sprintf(`{"relation":"next","url":%q}`, next)
	}
	return fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset","link":[%s],"entry":[%s]}`, links, entries)
}

func newFetcherClient(t *testing.T, baseURL string) *epicfhir.Client {
	t.Helper()
	c, err := epicfhir.NewClient(baseURL, &noAuthAuthenticator{}, nil)
	if err != nil {
		t.Fatalf("NewClient() returned unexpected error: %v", err)
	}
	return c
}

func TestFetcherRun(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/Patient":
			w.Write([]byte(bundlePage(server.URL+"/Patient/page2", `{"resourceType":"Patient","id":"p1"}`)))
		case "/Patient/page2":
			w.Write([]byte(bundlePage("", `{"resourceType":"Patient","id":"p2"}`)))
		case "/Observation":
			w.Write([]byte(bundlePage("", `{"resourceType":"Observation","id":"o1","status":"final"}`)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ts := &processing.TestSink{}
	pipeline, err := processing.NewPipeline(nil, []processing.Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	cursorStore := &recordingCursorStore{}

	runStart := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	defer func(orig func() time.Time) { timeNow = orig }(timeNow)
	timeNow = func() time.Time { return runStart }

	f := &Fetcher{
		Client:        newFetcherClient(t, server.URL),
		Pipeline:      pipeline,
		CursorStore:   cursorStore,
		ResourceTypes: []string{"Patient", "Observation"},
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("fetcher.Run() returned unexpected error: %v", err)
	}

	if !ts.FinalizeCalled {
		t.Error("expected the pipeline to be finalized")
	}
	var gotTypes []string
	for _, r := range ts.WrittenResources {
		gotTypes = append(gotTypes, r.Type())
	}
	wantTypes := []string{"Patient", "Patient", "Observation"}
	if diff := cmp.Diff(wantTypes, gotTypes); diff != "" {
		t.Errorf("unexpected resources written to sink. diff: (-want +got):\n%s", diff)
	}

	if len(cursorStore.stored) != 1 {
		t.Fatalf("unexpected number of cursors stored after run. got: %d, want: 1", len(cursorStore.stored))
	}
	if got := cursorStore.stored[0]; !got.Equal(runStart) {
		t.Errorf("unexpected cursor stored after run. got: %s, want: %s", got, runStart)
	}
}

func TestFetcherRun_SinceRestrictsSearch(t *testing.T) {
	var gotLastUpdated string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotLastUpdated = req.URL.Query().Get("_lastUpdated")
		w.Write([]byte(bundlePage(""))) // empty page
	}))
	defer server.Close()

	pipeline, err := processing.NewPipeline(nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	cursorStore, err := epicfhir.NewInMemoryCursorStore("2024-03-01T00:00:00.000+00:00")
	if err != nil {
		t.Fatalf("NewInMemoryCursorStore() returned unexpected error: %v", err)
	}

	f := &Fetcher{
		Client:        newFetcherClient(t, server.URL),
		Pipeline:      pipeline,
		CursorStore:   cursorStore,
		ResourceTypes: []string{"Encounter"},
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("fetcher.Run() returned unexpected error: %v", err)
	}
	if want := "gt2024-03-01T00:00:00.000+00:00"; gotLastUpdated != want {
		t.Errorf("unexpected _lastUpdated parameter. got: %q, want: %q", gotLastUpdated, want)
	}
}

func TestFetcherRun_RetriesRetryableErrors(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(bundlePage("", `{"resourceType":"Patient","id":"p1"}`)))
	}))
	defer server.Close()

	ts := &processing.TestSink{}
	pipeline, err := processing.NewPipeline(nil, []processing.Sink{ts})
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	cursorStore, err := epicfhir.NewInMemoryCursorStore("")
	if err != nil {
		t.Fatalf("NewInMemoryCursorStore() returned unexpected error: %v", err)
	}

	f := &Fetcher{
		Client:        newFetcherClient(t, server.URL),
		Pipeline:      pipeline,
		CursorStore:   cursorStore,
		ResourceTypes: []string{"Patient"},
		RetryBackoff:  time.Millisecond,
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("fetcher.Run() returned unexpected error: %v", err)
	}
	if got := len(ts.WrittenResources); got != 1 {
		t.Errorf("unexpected number of resources written to sink. got: %d, want: 1", got)
	}
	if requests != 2 {
		t.Errorf("unexpected number of requests to the server. got: %d, want: 2", requests)
	}
}

func TestFetcherRun_InvalidCursor(t *testing.T) {
	pipeline, err := processing.NewPipeline(nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline() returned unexpected error: %v", err)
	}
	f := &Fetcher{
		Client:      newFetcherClient(t, "http://localhost:0"),
		Pipeline:    pipeline,
		CursorStore: &erroringCursorStore{},
	}
	err = f.Run(context.Background())
	if err == nil {
		t.Fatal("fetcher.Run() with a failing cursor store succeeded, want error")
	}
	if !strings.Contains(err.Error(), ErrInvalidCursor.Error()) {
		t.Errorf("fetcher.Run() error does not mention the cursor failure: %v", err)
	}
}
