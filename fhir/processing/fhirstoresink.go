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

	"github.com/medallion/epic_fhir_tools/fhirstore"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
)

var fhirStoreUploadErrorCounter = metrics.NewCounter("fhir-store-upload-errors", "Count of errors uploading FHIR resources to the FHIR store, tagged by the FHIR Resource type ex) Observation.", "1", aggregation.Count, "FHIRResourceType")

// fhirStoreSink uploads resources to a GCP FHIR store using a concurrent
// uploader.
type fhirStoreSink struct {
	uploader *fhirstore.Uploader
}

// NewFHIRStoreSink creates a Sink which uploads resources to the FHIR store
// described by cfg using maxWorkers concurrent workers. Upload errors are
// logged and counted rather than failing the pipeline.
func NewFHIRStoreSink(ctx context.Context, cfg *fhirstore.Config, maxWorkers int) (Sink, error) {
	uploader := fhirstore.NewUploader(fhirstore.UploaderConfig{
		FHIRStoreConfig: cfg,
		MaxWorkers:      maxWorkers,
		ErrorCounter:    fhirStoreUploadErrorCounter,
	})
	return &fhirStoreSink{uploader: uploader}, nil
}

// Write is Sink.Write. The upload happens asynchronously; Finalize blocks
// until all uploads are complete.
func (fss *fhirStoreSink) Write(ctx context.Context, resource ResourceWrapper) error {
	data, err := resource.JSON()
	if err != nil {
		return err
	}
	fss.uploader.Upload(data)
	return nil
}

// Finalize is Sink.Finalize.
func (fss *fhirStoreSink) Finalize(ctx context.Context) error {
	fss.uploader.DoneUploading()
	fss.uploader.Wait()
	return nil
}
