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

import "context"

// TestSink is an implementation of Sink for use in tests. All resources
// written to the sink are collected so that assertions can be made about them.
type TestSink struct {
	// WrittenResources contains all resources written to the sink.
	WrittenResources []ResourceWrapper
	// FinalizeCalled indicates whether the Finalize function was called.
	FinalizeCalled bool

	// WriteError is returned by calls to Write if set.
	WriteError error
	// FinalizeError is returned by calls to Finalize if set.
	FinalizeError error
}

// Write is Sink.Write.
func (ts *TestSink) Write(ctx context.Context, resource ResourceWrapper) error {
	if ts.WriteError != nil {
		return ts.WriteError
	}
	ts.WrittenResources = append(ts.WrittenResources, resource)
	return nil
}

// Finalize is Sink.Finalize.
func (ts *TestSink) Finalize(ctx context.Context) error {
	if ts.FinalizeError != nil {
		return ts.FinalizeError
	}
	ts.FinalizeCalled = true
	return nil
}
