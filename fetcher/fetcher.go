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

// Package fetcher combines the Epic FHIR client, the cursor store and the
// processing pipeline to run an incremental extraction end-to-end.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medallion/epic_fhir_tools/epicfhir"
	"github.com/medallion/epic_fhir_tools/fhir"
	"github.com/medallion/epic_fhir_tools/fhir/processing"
	log "github.com/medallion/epic_fhir_tools/internal/logger"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
)

// ErrInvalidCursor is returned (wrapped) when a CursorStore fails to produce a
// valid timestamp. This is primarily used for testing.
var ErrInvalidCursor = errors.New("failed to get extraction cursor")

const (
	defaultPageRetryCount = 5
	defaultRetryBackoff   = 2 * time.Second
)

var timeNow = time.Now

var fetchPageTime *metrics.Latency = metrics.NewLatency("fetch-page-time", "Time in seconds to fetch and process one page of search results from the Epic FHIR server, tagged by the FHIR Resource type ex) Observation.", "s", []float64{0, 0.5, 1, 2, 5, 10, 30, 60, 120}, "FHIRResourceType")

// Fetcher runs an Epic FHIR extraction end-to-end: it loads the cursor from
// the previous run, pages every configured resource type through the client
// into the processing pipeline, and stores the new cursor.
type Fetcher struct {
	Client      *epicfhir.Client
	Pipeline    *processing.Pipeline
	CursorStore epicfhir.CursorStore

	// Resource types to extract, e.g. Patient, Observation, Encounter.
	ResourceTypes []string

	// The following parameters may be omitted, and sane defaults will be used.

	// How many times to retry fetching each page.
	PageRetryCount int
	// How long to wait before retrying a failed page fetch.
	RetryBackoff time.Duration
}

// Run the extraction end-to-end. Note that while this does finalize the
// configured processing pipeline, it does not close the client. The new
// cursor is the time the run started, so resources updated while the run was
// in progress are picked up again by the next run.
func (f *Fetcher) Run(ctx context.Context) error {
	f.setDefaultParameters()

	since, err := f.CursorStore.Load(ctx)
	if err != nil {
		// We match the text of ErrInvalidCursor in tests; fmt.Errorf does not
		// allow using multiple %w verbs.
		return fmt.Errorf("%v: %w", ErrInvalidCursor, err)
	}
	runStart := timeNow().UTC()
	if since.IsZero() {
		log.Info("No cursor found, running a full extraction.")
	} else {
		log.Infof("Running an incremental extraction of resources updated after %s", fhir.ToFHIRInstant(since))
	}

	for _, resourceType := range f.ResourceTypes {
		if err := f.fetchResourceType(ctx, resourceType, since); err != nil {
			return err
		}
	}

	if err := f.Pipeline.Finalize(ctx); err != nil {
		return fmt.Errorf("failed to finalize output pipeline: %w", err)
	}

	if err := f.CursorStore.Store(ctx, runStart); err != nil {
		return fmt.Errorf("failed to store extraction cursor: %v", err)
	}

	log.Info("Epic FHIR extraction and processing complete.")
	return nil
}

func (f *Fetcher) setDefaultParameters() {
	if f.PageRetryCount == 0 {
		f.PageRetryCount = defaultPageRetryCount
	}
	if f.RetryBackoff == 0 {
		f.RetryBackoff = defaultRetryBackoff
	}
}

func (f *Fetcher) fetchResourceType(ctx context.Context, resourceType string, since time.Time) error {
	log.Infof("Extracting %s resources.", resourceType)
	it := f.Client.Search(resourceType, since)
	for !it.Done() {
		start := timeNow()
		pageURL := it.URL()
		resources, err := f.nextPageWithRetries(ctx, it)
		if err != nil {
			return fmt.Errorf("failed to fetch %s page %s: %w", resourceType, pageURL, err)
		}
		for _, resource := range resources {
			if err := f.Pipeline.Process(ctx, resourceTypeOf(resource, resourceType), pageURL, resource); err != nil {
				return err
			}
		}
		if err := fetchPageTime.Record(ctx, time.Since(start).Seconds(), resourceType); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) nextPageWithRetries(ctx context.Context, it *epicfhir.SearchIterator) ([]json.RawMessage, error) {
	resources, err := it.Next(ctx)
	numRetries := 0
	// Retry both unauthorized and other retryable errors by re-authenticating,
	// as sometimes they appear to be related.
	for (errors.Is(err, epicfhir.ErrorUnauthorized) || errors.Is(err, epicfhir.ErrorRetryableHTTPStatus)) && numRetries < f.PageRetryCount {
		time.Sleep(f.RetryBackoff)
		log.Infof("Got retryable error from the Epic FHIR server. Re-authenticating and trying again.")
		if err := f.Client.Authenticate(); err != nil {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
		resources, err = it.Next(ctx)
		numRetries++
	}
	return resources, err
}

// resourceTypeOf reads the resourceType element of a raw resource, so that
// entries of other types in a search bundle (such as OperationOutcome) are
// attributed correctly. Falls back to the type being searched.
func resourceTypeOf(raw json.RawMessage, fallback string) string {
	var typeHolder struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &typeHolder); err != nil || typeHolder.ResourceType == "" {
		return fallback
	}
	return typeHolder.ResourceType
}
