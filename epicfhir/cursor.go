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

package epicfhir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/medallion/epic_fhir_tools/fhir"
	"github.com/medallion/epic_fhir_tools/gcs"
	log "github.com/medallion/epic_fhir_tools/internal/logger"
)

// CursorStore manages the since cursor of incremental extractions. The start
// timestamp of a successful run is saved so that it can be used as the
// _lastUpdated lower bound for the subsequent run.
type CursorStore interface {
	// Load a previously stored cursor. If no cursor has previously been stored
	// (i.e. if the program has never been successfully run with the current
	// configuration), this should return a zero time with no error.
	Load(ctx context.Context) (time.Time, error)
	// Store saves the given timestamp to persistent storage so that it can be
	// retrieved by Load the next time the program is run.
	Store(ctx context.Context, ts time.Time) error
}

type inMemoryCursorStore struct {
	since time.Time
}

func (imcs *inMemoryCursorStore) Load(ctx context.Context) (time.Time, error) {
	return imcs.since, nil
}

func (imcs *inMemoryCursorStore) Store(ctx context.Context, ts time.Time) error {
	return nil
}

// NewInMemoryCursorStore returns an implementation of CursorStore which does
// not persist the since timestamp anywhere. It is initialised with a string
// timestamp, which may be blank.
func NewInMemoryCursorStore(timestamp string) (CursorStore, error) {
	if timestamp == "" {
		return &inMemoryCursorStore{}, nil
	}
	parsed, err := fhir.ParseFHIRInstant(timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid since timestamp %q, should be in form YYYY-MM-DDThh:mm:ss.imss+zz:zz: %w", timestamp, err)
	}
	return &inMemoryCursorStore{since: parsed}, nil
}

type localFileCursorStore struct {
	path string
}

func (lfcs *localFileCursorStore) Load(ctx context.Context) (time.Time, error) {
	reader, err := os.Open(lfcs.path)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file has not been created, assume that this is the first run
			// and return an empty time to fetch all data.
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to open %s: %w", lfcs.path, err)
	}
	ts, err := readCursorFromFile(reader)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get since timestamp from %s: %w", lfcs.path, err)
	}
	return ts, nil
}

func (lfcs *localFileCursorStore) Store(ctx context.Context, ts time.Time) error {
	writer, err := os.OpenFile(lfcs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", lfcs.path, err)
	}
	if err := writeCursorToFile(ts, writer); err != nil {
		return fmt.Errorf("failed to write since timestamp to %s: %w", lfcs.path, err)
	}
	return nil
}

// NewLocalFileCursorStore returns an implementation of CursorStore which
// persists the since timestamp to a local file at the given path. A new line
// is appended to the file on each run, so that the entire history of runs may
// be seen.
func NewLocalFileCursorStore(path string) CursorStore {
	return &localFileCursorStore{path: path}
}

type gcsCursorStore struct {
	client                gcs.Client
	relativePath, fullURI string
}

func (gcsc *gcsCursorStore) Load(ctx context.Context) (time.Time, error) {
	reader, err := gcsc.client.GetFileReader(ctx, gcsc.relativePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			// If the GCS object has not been created, assume that this is the
			// first run and return an empty time to fetch all data.
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get GCS reader for %s: %w", gcsc.fullURI, err)
	}
	ts, err := readCursorFromFile(reader)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get since timestamp from %s: %w", gcsc.fullURI, err)
	}
	return ts, nil
}

func (gcsc *gcsCursorStore) Store(ctx context.Context, ts time.Time) error {
	writer := gcsc.client.GetFileWriter(ctx, gcsc.relativePath)
	if err := gcsc.copyPreviousContent(ctx, writer); err != nil {
		return err
	}
	if err := writeCursorToFile(ts, writer); err != nil {
		return fmt.Errorf("failed to write since timestamp to %s: %w", gcsc.fullURI, err)
	}
	return nil
}

// GCS objects cannot be appended in place, so the history is preserved by
// copying the existing content ahead of the new line.
func (gcsc *gcsCursorStore) copyPreviousContent(ctx context.Context, writer io.Writer) error {
	reader, err := gcsc.client.GetFileReader(ctx, gcsc.relativePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to get GCS reader for %s to copy existing content: %w", gcsc.fullURI, err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Errorf("failed to close GCS reader for %s after copying: %v", gcsc.fullURI, err)
		}
	}()
	if _, err := io.Copy(writer, reader); err != nil {
		return fmt.Errorf("failed to copy existing content in %s: %w", gcsc.fullURI, err)
	}
	return nil
}

// NewGCSCursorStore returns an implementation of CursorStore which persists
// the since timestamp to an object in GCS at the given URI. A new line is
// appended to the object on each run, so that the entire history of runs may
// be seen.
func NewGCSCursorStore(ctx context.Context, gcsEndpoint, uri string) (CursorStore, error) {
	bucket, relativePath, err := gcs.PathComponents(uri)
	if err != nil {
		return nil, err
	}
	client, err := gcs.NewClient(ctx, bucket, gcsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS client: %w", err)
	}
	return &gcsCursorStore{
		client:       client,
		relativePath: relativePath,
		fullURI:      uri,
	}, nil
}

func readCursorFromFile(reader io.ReadCloser) (time.Time, error) {
	// Cursor files may get arbitrarily large. If this becomes a problem, we
	// should change this code to read only the end of the file (at the expense
	// of more complex code).
	s := bufio.NewScanner(reader)
	lastLine := ""
	for s.Scan() {
		lastLine = s.Text()
	}
	if err := s.Err(); err != nil {
		return time.Time{}, err
	}
	if err := reader.Close(); err != nil {
		log.Errorf("failed to close cursor file: %v", err)
	}
	parsed, err := fhir.ParseFHIRInstant(lastLine)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return parsed, nil
}

func writeCursorToFile(ts time.Time, writer io.WriteCloser) error {
	if _, err := writer.Write(append([]byte(fhir.ToFHIRInstant(ts)), '\n')); err != nil {
		return err
	}
	return writer.Close()
}
