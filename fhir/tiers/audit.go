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

package tiers

import (
	"time"

	"github.com/medallion/epic_fhir_tools/fhir"
	log "github.com/medallion/epic_fhir_tools/internal/logger"
)

// Modification records one repair the transformer applied to a resource.
type Modification struct {
	ResourceType string
	ResourceID   string
	// Path locates the modified element, e.g. "name[0].use".
	Path     string
	OldValue any
	NewValue any
	Reason   string
	// Timestamp is the FHIR instant at which the repair was applied.
	Timestamp string
}

// TransformationMetadata describes one Transformer instance and the ordered
// list of repairs it has applied. It is scoped to the Transformer's lifetime
// and is not persisted automatically.
type TransformationMetadata struct {
	TransformedAt      time.Time
	TransformerVersion string
	ValidationMode     ValidationMode
	Modifications      []Modification
}

// track records a repair in the transformer's audit log. In strict mode the
// record is additionally embedded on the resource itself as a
// transformation-history extension under meta.extension, so the audit trail
// travels with the resource.
func (t *Transformer) track(res map[string]any, path string, oldValue, newValue any, reason string) {
	mod := Modification{
		ResourceType: fhir.ResourceType(res),
		ResourceID:   fhir.ResourceID(res),
		Path:         path,
		OldValue:     oldValue,
		NewValue:     newValue,
		Reason:       reason,
		Timestamp:    fhir.ToFHIRInstant(time.Now().UTC()),
	}
	t.metadata.Modifications = append(t.metadata.Modifications, mod)

	if t.debug {
		log.Infof("repaired %s/%s %s: %s", mod.ResourceType, mod.ResourceID, mod.Path, mod.Reason)
	}

	if t.mode == Strict {
		meta := fhir.EnsureMap(res, "meta")
		fhir.AppendToList(meta, "extension", map[string]any{
			"url": transformationHistoryURL,
			"extension": []any{
				map[string]any{"url": "path", "valueString": mod.Path},
				map[string]any{"url": "reason", "valueString": mod.Reason},
				map[string]any{"url": "timestamp", "valueDateTime": mod.Timestamp},
			},
		})
	}
}

// flagValidationIssue attaches a non-destructive validation marker to the
// sibling primitive element (the FHIR "_field" convention) held in parent
// under siblingKey. The original value is preserved; only the marker is added.
func (t *Transformer) flagValidationIssue(res, parent map[string]any, siblingKey, path, issue string) {
	sibling := fhir.EnsureMap(parent, siblingKey)
	fhir.AppendToList(sibling, "extension", map[string]any{
		"url":         validationIssueURL,
		"valueString": issue,
	})
	t.track(res, path, nil, issue, "flagged validation issue without altering the original value")
}
