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

package tiers_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/medallion/epic_fhir_tools/fhir/tiers"
)

const usCoreObservationLabProfile = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"

func TestObservationBronzeToSilver_StatusBackfill(t *testing.T) {
	t.Run("MissingStatusDefaulted", func(t *testing.T) {
		got := tiers.TransformResourceBronzeToSilver(
			map[string]any{"resourceType": "Observation", "id": "o1"}, tiers.Moderate, false)
		if got["status"] != "unknown" {
			t.Errorf("status = %v, want unknown", got["status"])
		}
	})
	t.Run("ExistingStatusKept", func(t *testing.T) {
		got := tiers.TransformResourceBronzeToSilver(
			map[string]any{"resourceType": "Observation", "id": "o1", "status": "final"}, tiers.Moderate, false)
		if got["status"] != "final" {
			t.Errorf("status = %v, want final", got["status"])
		}
	})
	t.Run("BackfillSurvivesBronzeToGold", func(t *testing.T) {
		got := tiers.TransformResourceBronzeToGold(
			map[string]any{"resourceType": "Observation", "id": "o1"}, tiers.Moderate, false)
		if got["status"] != "unknown" {
			t.Errorf("status = %v after BronzeToGold, want unknown", got["status"])
		}
	})
}

func TestObservationBronzeToSilver_CodeSynthesis(t *testing.T) {
	got := tiers.TransformResourceBronzeToSilver(
		map[string]any{"resourceType": "Observation", "id": "o1"}, tiers.Moderate, false)

	want := map[string]any{
		"coding": []any{
			map[string]any{
				"system":  "http://terminology.hl7.org/CodeSystem/data-absent-reason",
				"code":    "unknown",
				"display": "Unknown",
			},
		},
		"text": "Unknown",
	}
	if diff := cmp.Diff(want, got["code"]); diff != "" {
		t.Errorf("unexpected synthesized code (-want +got):\n%s", diff)
	}
}

func TestObservationBronzeToSilver_ReferenceNormalization(t *testing.T) {
	cases := []struct {
		name    string
		refIn   string
		wantRef string
	}{
		{"BareIDRewritten", "12345", "Patient/12345"},
		{"PatientReferenceUntouched", "Patient/12345", "Patient/12345"},
		{"ForeignTypeReferenceUntouched", "Encounter/999", "Encounter/999"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := map[string]any{
				"resourceType": "Observation",
				"id":           "o1",
				"subject":      map[string]any{"reference": tc.refIn},
			}
			got := tiers.TransformResourceBronzeToSilver(in, tiers.Moderate, false)
			subject := got["subject"].(map[string]any)
			if subject["reference"] != tc.wantRef {
				t.Errorf("subject.reference = %v, want %v", subject["reference"], tc.wantRef)
			}
		})
	}

	t.Run("AlsoAppliesThroughBronzeToGold", func(t *testing.T) {
		in := map[string]any{
			"resourceType": "Observation",
			"id":           "o1",
			"subject":      map[string]any{"reference": "12345"},
		}
		got := tiers.TransformResourceBronzeToGold(in, tiers.Moderate, false)
		subject := got["subject"].(map[string]any)
		if subject["reference"] != "Patient/12345" {
			t.Errorf("subject.reference = %v, want Patient/12345", subject["reference"])
		}
	})
}

func TestObservationSilverToGold_ConditionalProfileAssertion(t *testing.T) {
	complete := map[string]any{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"category": []any{map[string]any{"coding": []any{
			map[string]any{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "laboratory"},
		}}},
		"code":    map[string]any{"text": "Hemoglobin"},
		"subject": map[string]any{"reference": "Patient/p1"},
	}

	t.Run("AllRequiredFieldsAsserts", func(t *testing.T) {
		got := tiers.TransformResourceSilverToGold(complete, tiers.Moderate, false)
		found := false
		for _, p := range profiles(got) {
			if p == usCoreObservationLabProfile {
				found = true
			}
		}
		if !found {
			t.Errorf("profile not asserted; profiles: %v", profiles(got))
		}
	})

	for _, missing := range []string{"category", "code", "status", "subject"} {
		t.Run("Missing_"+missing, func(t *testing.T) {
			in := map[string]any{}
			for k, v := range complete {
				if k != missing {
					in[k] = v
				}
			}
			got := tiers.TransformResourceSilverToGold(in, tiers.Moderate, false)
			for _, p := range profiles(got) {
				if p == usCoreObservationLabProfile {
					t.Errorf("profile asserted despite missing %s", missing)
				}
			}
		})
	}
}

func TestObservationSilverToGold_Narrative(t *testing.T) {
	in := map[string]any{
		"resourceType":      "Observation",
		"id":                "o1",
		"status":            "final",
		"code":              map[string]any{"text": "Hemoglobin"},
		"effectiveDateTime": "2024-03-01T09:00:00Z",
		"subject":           map[string]any{"reference": "Patient/p1"},
		"valueQuantity":     map[string]any{"value": 13.2, "unit": "g/dL"},
	}
	got := tiers.TransformResourceSilverToGold(in, tiers.Moderate, false)

	text, ok := got["text"].(map[string]any)
	if !ok {
		t.Fatal("no narrative generated")
	}
	div := text["div"].(string)
	for _, want := range []string{"Hemoglobin", "final", "Patient/p1", "g/dL"} {
		if !strings.Contains(div, want) {
			t.Errorf("narrative does not mention %q: %q", want, div)
		}
	}
}
