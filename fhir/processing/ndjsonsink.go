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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/medallion/epic_fhir_tools/fhir/tiers"
	"github.com/medallion/epic_fhir_tools/gcs"
)

// fileKey is the file partitioning key: resources are grouped into files by
// type and quality tier.
type fileKey struct {
	resourceType string
	tier         tiers.Tier
}

// ndjsonSink writes resources as FHIR NDJSON, one file per resource type and
// quality tier, with the tier as the directory component.
type ndjsonSink struct {
	createFile func(ctx context.Context, tierDir, filename string) (io.WriteCloser, error)

	files     map[fileKey]io.WriteCloser
	fileIndex map[string]int
}

// NewNDJSONSink creates a Sink which writes resources to NDJSON files in the
// given directory, partitioned into one subdirectory per quality tier. Files
// are named "{type}_{i}.ndjson", where i is a sequence number to distinguish
// resource types first seen at different points of a run.
func NewNDJSONSink(ctx context.Context, directory string) (Sink, error) {
	// Check the directory exists up front, so that the error is reported
	// before the run starts rather than on first write.
	stat, err := os.Stat(directory)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("output path %s is not a directory", directory)
	}

	createFile := func(ctx context.Context, tierDir, filename string) (io.WriteCloser, error) {
		dir := filepath.Join(directory, tierDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return os.Create(filepath.Join(dir, filename))
	}
	return &ndjsonSink{
		createFile: createFile,
		files:      map[fileKey]io.WriteCloser{},
		fileIndex:  map[string]int{},
	}, nil
}

// NewGCSNDJSONSink returns a Sink which writes NDJSON files to GCS, with the
// quality tier and filename appended to the given directory to form object
// names.
func NewGCSNDJSONSink(ctx context.Context, endpoint, bucket, directory string) (Sink, error) {
	gcsClient, err := gcs.NewClient(ctx, bucket, endpoint)
	if err != nil {
		return nil, err
	}
	createFile := func(ctx context.Context, tierDir, filename string) (io.WriteCloser, error) {
		return gcsClient.GetFileWriter(ctx, gcs.JoinPath(directory, tierDir, filename)), nil
	}
	return &ndjsonSink{
		createFile: createFile,
		files:      map[fileKey]io.WriteCloser{},
		fileIndex:  map[string]int{},
	}, nil
}

// getFile returns an existing open file for the key if there is one, and
// creates a new file otherwise.
func (ns *ndjsonSink) getFile(ctx context.Context, key fileKey) (io.WriteCloser, error) {
	if file, ok := ns.files[key]; ok {
		return file, nil
	}

	resourceType := key.resourceType
	if resourceType == "" {
		resourceType = "unknown"
	}
	// Each (type, tier) pair gets its own sequence number so that filenames
	// remain stable within one tier even if the other tier sees the type first.
	indexKey := fmt.Sprintf("%s/%s", key.tier, resourceType)
	if _, ok := ns.fileIndex[indexKey]; !ok {
		ns.fileIndex[indexKey] = 0
	}
	filename := fmt.Sprintf("%s_%d.ndjson", resourceType, ns.fileIndex[indexKey])
	ns.fileIndex[indexKey]++

	file, err := ns.createFile(ctx, strings.ToLower(string(key.tier)), filename)
	if err != nil {
		return nil, err
	}
	ns.files[key] = file
	return file, nil
}

// Write is Sink.Write.
func (ns *ndjsonSink) Write(ctx context.Context, resource ResourceWrapper) error {
	res, err := resource.Resource()
	if err != nil && err != ErrorDoNotModifyResource {
		return err
	}
	file, err := ns.getFile(ctx, fileKey{resource.Type(), currentTier(res)})
	if err != nil {
		return err
	}
	data, err := resource.JSON()
	if err != nil {
		return err
	}
	_, err = file.Write(append(data, byte('\n')))
	return err
}

// Finalize is Sink.Finalize. This closes all of the open NDJSON files.
func (ns *ndjsonSink) Finalize(ctx context.Context) error {
	for _, f := range ns.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
