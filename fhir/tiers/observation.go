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
	"strings"

	"github.com/medallion/epic_fhir_tools/fhir"
)

type observationRepairer struct {
	t *Transformer
}

func (r *observationRepairer) repairSilver(res map[string]any) {
	r.ensureStatus(res)
	r.ensureCode(res)
	r.normalizeSubjectReference(res)
}

func (r *observationRepairer) ensureStatus(res map[string]any) {
	if _, ok := fhir.GetString(res, "status"); ok {
		return
	}
	res["status"] = "unknown"
	r.t.track(res, "status", nil, "unknown",
		"observation status missing; defaulted to unknown")
}

// ensureCode synthesizes a data-absent-reason coding when the observation has
// no code at all, so the element required by base FHIR is present.
func (r *observationRepairer) ensureCode(res map[string]any) {
	if _, ok := res["code"]; ok {
		return
	}
	code := map[string]any{
		"coding": []any{
			map[string]any{
				"system":  dataAbsentReasonCodeSystem,
				"code":    "unknown",
				"display": "Unknown",
			},
		},
		"text": "Unknown",
	}
	res["code"] = code
	r.t.track(res, "code", nil, code,
		"observation code missing; synthesized a data-absent-reason coding")
}

// normalizeSubjectReference rewrites a bare id in subject.reference as a
// relative Patient reference. References that already name a resource type
// ("Encounter/999") are left untouched, even if that type is not Patient.
func (r *observationRepairer) normalizeSubjectReference(res map[string]any) {
	subject, ok := fhir.GetMap(res, "subject")
	if !ok {
		return
	}
	ref, ok := fhir.GetString(subject, "reference")
	if !ok || ref == "" || strings.Contains(ref, "/") {
		return
	}
	normalized := "Patient/" + ref
	subject["reference"] = normalized
	r.t.track(res, "subject.reference", ref, normalized,
		"subject reference lacked a resource type; rewritten as a Patient reference")
}

func (r *observationRepairer) repairGold(res map[string]any) {
	r.assertUSCoreLabProfile(res)
	setNarrative(r.t, res, buildObservationNarrative(res))
}

// assertUSCoreLabProfile claims US Core lab-observation conformance only when
// category, code, status and subject are all present on the resource.
func (r *observationRepairer) assertUSCoreLabProfile(res map[string]any) {
	for _, field := range []string{"category", "code", "status", "subject"} {
		if _, ok := res[field]; !ok {
			return
		}
	}
	addProfile(r.t, res, usCoreObservationLabProfile)
}
