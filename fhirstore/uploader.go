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

package fhirstore

import (
	"context"
	"sync"

	log "github.com/medallion/epic_fhir_tools/internal/logger"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
)

// Uploader is a convenience wrapper for concurrent upload to FHIR store.
type Uploader struct {
	cfg *Config

	errorCounter *metrics.Counter

	fhirJSONs  chan string
	maxWorkers int
	wg         *sync.WaitGroup

	initOnce sync.Once
}

// UploaderConfig is the configuration passed to NewUploader.
type UploaderConfig struct {
	FHIRStoreConfig *Config
	// MaxWorkers is the number of concurrent upload workers.
	MaxWorkers int
	// ErrorCounter is incremented (tagged by resource type) for every failed
	// upload. Optional.
	ErrorCounter *metrics.Counter
}

// NewUploader initializes and returns an Uploader.
func NewUploader(cfg UploaderConfig) *Uploader {
	return &Uploader{
		cfg:          cfg.FHIRStoreConfig,
		errorCounter: cfg.ErrorCounter,
		maxWorkers:   cfg.MaxWorkers,
	}
}

func (u *Uploader) init() {
	u.fhirJSONs = make(chan string, 100)
	u.wg = &sync.WaitGroup{}

	for i := 0; i < u.maxWorkers; i++ {
		go u.uploadWorker()
	}
}

// Upload queues the provided FHIR JSON to be uploaded to the FHIR store.
func (u *Uploader) Upload(fhirJSON []byte) {
	u.initOnce.Do(u.init)
	u.wg.Add(1)
	u.fhirJSONs <- string(fhirJSON)
}

// Wait waits for all pending uploads to finish, and then returns.
func (u *Uploader) Wait() {
	if u.wg != nil {
		u.wg.Wait()
	}
}

// DoneUploading must be called when the caller is done sending items to upload
// to this uploader.
func (u *Uploader) DoneUploading() {
	if u.fhirJSONs != nil {
		close(u.fhirJSONs)
	}
}

func (u *Uploader) uploadWorker() {
	c, err := NewClient(context.Background(), u.cfg)
	if err != nil {
		log.Fatalf("error initializing FHIR store client: %v", err)
	}

	for fhirJSON := range u.fhirJSONs {
		if err := c.UploadResource([]byte(fhirJSON)); err != nil {
			log.Errorf("error uploading resource: %v", err)
			if u.errorCounter != nil {
				resourceType, _, typeErr := getResourceTypeAndID([]byte(fhirJSON))
				if typeErr != nil {
					resourceType = "unknown"
				}
				if err := u.errorCounter.Record(context.Background(), 1, resourceType); err != nil {
					log.Errorf("error recording upload failure: %v", err)
				}
			}
		}
		u.wg.Done()
	}
}
