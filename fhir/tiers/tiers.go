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

// Package tiers implements the Bronze -> Silver -> Gold data-quality tier
// transformations for Epic-derived FHIR resources.
//
// Bronze resources arrive exactly as the source API produced them, with
// missing required fields, invalid enumeration values and malformed dates.
// The Silver transformation applies deterministic per-resource-type repairs so
// the data is internally consistent; the Gold transformation layers on
// conformance claims, narrative generation and PHI security labeling for
// analytics consumption. Repairs never delete clinically significant data:
// values that cannot be fixed in place are preserved and flagged with sibling
// primitive extensions instead.
package tiers

import (
	"bitbucket.org/creachadair/stringset"

	"github.com/medallion/epic_fhir_tools/fhir"
)

// Tier identifies a data-quality tier tag carried in meta.tag.
type Tier string

// The three quality tiers, in increasing order of maturity.
const (
	Bronze Tier = "BRONZE"
	Silver Tier = "SILVER"
	Gold   Tier = "GOLD"
)

// Display returns the human readable meta.tag display for the tier.
func (t Tier) Display() string {
	switch t {
	case Bronze:
		return "Bronze Quality Tier"
	case Silver:
		return "Silver Quality Tier"
	case Gold:
		return "Gold Quality Tier"
	}
	return string(t)
}

// ValidationMode controls how aggressively the transformer documents its own
// work on the resource.
type ValidationMode string

const (
	// Strict embeds a transformation-history extension on the resource for
	// every repair, in addition to the in-memory audit log.
	Strict ValidationMode = "strict"
	// Moderate keeps the audit trail in the transformer only.
	Moderate ValidationMode = "moderate"
	// Lenient currently behaves like Moderate; the repairs themselves do not
	// differ between the two.
	Lenient ValidationMode = "lenient"
)

// Terminology systems and extension URLs used by the transformations.
const (
	tierTagSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"

	transformationHistoryURL = "http://example.org/fhir/StructureDefinition/transformation-history"
	validationIssueURL       = "http://example.org/fhir/StructureDefinition/validation-issue"
	tempIdentifierSystem     = "http://example.org/fhir/temp-identifiers"
	securityTagSystem        = "http://example.org/security-tags"

	actCodeSystem              = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	dataAbsentReasonExtURL     = "http://hl7.org/fhir/StructureDefinition/data-absent-reason"
	dataAbsentReasonCodeSystem = "http://terminology.hl7.org/CodeSystem/data-absent-reason"

	usCorePatientProfile        = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient"
	usCoreObservationLabProfile = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"
	usCoreRaceExtensionURL      = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-race"
	ombRaceCategorySystem       = "urn:oid:2.16.840.1.113883.6.238"

	xhtmlNamespace = "http://www.w3.org/1999/xhtml"
)

// Valid value sets for the enumerated elements the Silver repairs touch.
var (
	validNameUses = stringset.New(
		"official", "usual", "temp", "nickname", "anonymous", "old", "maiden")
	validTelecomSystems = stringset.New(
		"phone", "fax", "email", "pager", "url", "sms", "other")
	validTelecomUses = stringset.New(
		"home", "work", "temp", "old", "mobile")
	validEncounterStatuses = stringset.New(
		"planned", "arrived", "triaged", "in-progress", "onleave",
		"finished", "cancelled", "entered-in-error", "unknown")

	tierCodes = stringset.New(string(Bronze), string(Silver), string(Gold))
)

// stampTier replaces any existing quality-tier tag in meta.tag with the tag
// for tier. Tags under other systems are left alone, so a resource carries at
// most one tier tag at any time.
func stampTier(res map[string]any, tier Tier) {
	meta := fhir.EnsureMap(res, "meta")
	tags, _ := fhir.GetSlice(meta, "tag")
	kept := make([]any, 0, len(tags)+1)
	for _, raw := range tags {
		if tag, ok := raw.(map[string]any); ok {
			system, _ := fhir.GetString(tag, "system")
			code, _ := fhir.GetString(tag, "code")
			if system == tierTagSystem && tierCodes.Contains(code) {
				continue
			}
		}
		kept = append(kept, raw)
	}
	kept = append(kept, map[string]any{
		"system":  tierTagSystem,
		"code":    string(tier),
		"display": tier.Display(),
	})
	meta["tag"] = kept
}
