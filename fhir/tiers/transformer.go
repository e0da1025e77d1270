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

const transformerVersion = "1.0.0"

// Transformer applies tier transformations to FHIR resources. Each call
// deep-copies its input, so a Transformer never mutates a caller's resource;
// the only state it accumulates is the audit trail in its metadata. A
// Transformer is not safe for concurrent use - construct one per goroutine
// (or use the package-level Transform functions, which construct one per
// call).
type Transformer struct {
	mode  ValidationMode
	debug bool

	metadata TransformationMetadata
}

// NewTransformer creates a Transformer for the given validation mode. An
// empty mode defaults to Strict. When debug is true every repair is also
// logged.
func NewTransformer(mode ValidationMode, debug bool) *Transformer {
	if mode == "" {
		mode = Strict
	}
	return &Transformer{
		mode:  mode,
		debug: debug,
		metadata: TransformationMetadata{
			TransformedAt:      time.Now().UTC(),
			TransformerVersion: transformerVersion,
			ValidationMode:     mode,
		},
	}
}

// Metadata returns a copy of the transformation metadata accumulated so far,
// including one Modification entry per repair across all calls on this
// Transformer.
func (t *Transformer) Metadata() TransformationMetadata {
	md := t.metadata
	md.Modifications = make([]Modification, len(t.metadata.Modifications))
	copy(md.Modifications, t.metadata.Modifications)
	return md
}

// repairer is the per-resource-type capability interface the transformer
// dispatches through. Each concrete resource type gets its own repair rules;
// anything else falls through to the generic repairer.
type repairer interface {
	repairSilver(res map[string]any)
	repairGold(res map[string]any)
}

func (t *Transformer) repairerFor(resourceType string) repairer {
	switch resourceType {
	case "Patient":
		return &patientRepairer{t}
	case "Observation":
		return &observationRepairer{t}
	case "Encounter":
		return &encounterRepairer{t}
	default:
		return &genericRepairer{t}
	}
}

// BronzeToSilver transforms a Bronze-tier resource to Silver: the result is a
// new resource tagged SILVER with the per-type consistency repairs applied.
// An empty (or nil) input yields an empty resource rather than an error.
func (t *Transformer) BronzeToSilver(resource map[string]any) map[string]any {
	if len(resource) == 0 {
		log.Warning("BronzeToSilver called with an empty resource; returning an empty result")
		return map[string]any{}
	}
	res := fhir.DeepCopy(resource)
	stampTier(res, Silver)
	t.repairerFor(fhir.ResourceType(res)).repairSilver(res)
	return res
}

// SilverToGold transforms a Silver-tier resource to Gold: the result is a new
// resource tagged GOLD with conformance claims, narrative and security
// labeling applied. An empty (or nil) input yields an empty resource.
func (t *Transformer) SilverToGold(resource map[string]any) map[string]any {
	if len(resource) == 0 {
		log.Warning("SilverToGold called with an empty resource; returning an empty result")
		return map[string]any{}
	}
	res := fhir.DeepCopy(resource)
	stampTier(res, Gold)
	t.repairerFor(fhir.ResourceType(res)).repairGold(res)
	return res
}

// BronzeToGold composes BronzeToSilver and SilverToGold through this
// Transformer, so the audit trail spans both stages.
func (t *Transformer) BronzeToGold(resource map[string]any) map[string]any {
	return t.SilverToGold(t.BronzeToSilver(resource))
}

// TransformResourceBronzeToSilver runs the Bronze -> Silver transformation on
// resource with a fresh Transformer, so the audit trail embedded in strict
// mode covers only this resource.
func TransformResourceBronzeToSilver(resource map[string]any, mode ValidationMode, debug bool) map[string]any {
	return NewTransformer(mode, debug).BronzeToSilver(resource)
}

// TransformResourceSilverToGold runs the Silver -> Gold transformation on
// resource with a fresh Transformer.
func TransformResourceSilverToGold(resource map[string]any, mode ValidationMode, debug bool) map[string]any {
	return NewTransformer(mode, debug).SilverToGold(resource)
}

// TransformResourceBronzeToGold runs both tier transformations in sequence
// through one shared Transformer, so the audit trail spans both stages.
func TransformResourceBronzeToGold(resource map[string]any, mode ValidationMode, debug bool) map[string]any {
	return NewTransformer(mode, debug).BronzeToGold(resource)
}
