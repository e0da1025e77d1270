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

// Package gcs contains helpers for moving tier NDJSON output and cursor
// files in and out of Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// DefaultCloudStorageEndpoint represents the default cloud storage API
// endpoint. This should be passed unless in a test environment.
const DefaultCloudStorageEndpoint = "https://storage.googleapis.com/"

const uriPrefix = "gs://"

// Client represents a GCS API client scoped to a single bucket.
type Client struct {
	*storage.Client
	endpointURL string
	bucketName  string
}

// NewClient creates and returns a new gcs client for reading and writing
// objects in an existing GCS bucket.
func NewClient(ctx context.Context, bucketName, endpointURL string) (Client, error) {
	var storageClient *storage.Client
	var err error

	if endpointURL == DefaultCloudStorageEndpoint {
		storageClient, err = storage.NewClient(ctx, option.WithEndpoint(endpointURL))
	} else {
		// When not using the default Cloud Storage endpoint, we provide an empty
		// http.Client. This case is generally used in tests, so that the
		// storage.Client doesn't complain about not being able to find
		// credentials in the test environment.
		storageClient, err = storage.NewClient(ctx, option.WithHTTPClient(&http.Client{}), option.WithEndpoint(endpointURL))
	}
	return Client{endpointURL: endpointURL, bucketName: bucketName, Client: storageClient}, err
}

// GetFileWriter returns a write closer for an object named objName in the
// client's bucket. Closing the write closer sends the written data to GCS.
func (c Client) GetFileWriter(ctx context.Context, objName string) io.WriteCloser {
	return c.Bucket(c.bucketName).Object(objName).NewWriter(ctx)
}

// GetFileReader returns a reader for the object named objName.
// storage.ErrObjectNotExist is returned if the object is not found.
//
// The caller must call Close on the returned reader when done.
func (c Client) GetFileReader(ctx context.Context, objName string) (io.ReadCloser, error) {
	return c.Bucket(c.bucketName).Object(objName).NewReader(ctx)
}

// JoinPath joins the given path elements with "/", normalizing backslashes
// and collapsing duplicate or leading/trailing separators.
func JoinPath(elems ...string) string {
	var parts []string
	for _, elem := range elems {
		elem = strings.ReplaceAll(elem, `\`, "/")
		for _, part := range strings.Split(elem, "/") {
			if part != "" {
				parts = append(parts, part)
			}
		}
	}
	return strings.Join(parts, "/")
}

// PathComponents splits a gs://bucket/path/to/object URI into its bucket and
// object name components.
func PathComponents(uri string) (bucket string, objName string, err error) {
	if !strings.HasPrefix(uri, uriPrefix) {
		return "", "", fmt.Errorf("GCS URI %q does not start with %s", uri, uriPrefix)
	}
	bucket, objName, found := strings.Cut(strings.TrimPrefix(uri, uriPrefix), "/")
	if !found || bucket == "" || objName == "" {
		return "", "", fmt.Errorf("GCS URI %q must be of the form gs://bucket/path", uri)
	}
	return bucket, objName, nil
}
