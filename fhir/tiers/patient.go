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
	"fmt"
	"strings"

	"github.com/medallion/epic_fhir_tools/fhir"
)

type patientRepairer struct {
	t *Transformer
}

func (r *patientRepairer) repairSilver(res map[string]any) {
	r.reconcileGenderAbsentReason(res)
	r.repairNames(res)
	r.ensureIdentifier(res)
	r.flagInvalidBirthDate(res)
	r.repairTelecom(res)
}

// reconcileGenderAbsentReason removes a data-absent-reason extension from
// _gender when a gender value is actually present - the value contradicts the
// "absent" assertion, and the value wins.
func (r *patientRepairer) reconcileGenderAbsentReason(res map[string]any) {
	gender, ok := fhir.GetString(res, "gender")
	if !ok || gender == "" {
		return
	}
	sibling, ok := fhir.GetMap(res, "_gender")
	if !ok {
		return
	}
	exts, ok := fhir.GetSlice(sibling, "extension")
	if !ok {
		return
	}
	kept := make([]any, 0, len(exts))
	for _, raw := range exts {
		if ext, ok := raw.(map[string]any); ok {
			if url, _ := fhir.GetString(ext, "url"); url == dataAbsentReasonExtURL {
				continue
			}
		}
		kept = append(kept, raw)
	}
	if len(kept) == len(exts) {
		return
	}
	if len(kept) == 0 {
		delete(res, "_gender")
	} else {
		sibling["extension"] = kept
	}
	r.t.track(res, "_gender", exts, kept,
		"removed data-absent-reason extension contradicting a present gender value")
}

func (r *patientRepairer) repairNames(res map[string]any) {
	for i, name := range fhir.MapItems(res, "name") {
		use, hasUse := fhir.GetString(name, "use")
		switch {
		case !hasUse || use == "":
			name["use"] = "usual"
			r.t.track(res, fmt.Sprintf("name[%d].use", i), nil, "usual",
				"name.use missing; defaulted to usual")
		case !validNameUses.Contains(use):
			name["use"] = "usual"
			r.t.track(res, fmt.Sprintf("name[%d].use", i), use, "usual",
				"name.use outside the valid HumanName use codes; reset to usual")
		}

		_, hasFamily := fhir.GetString(name, "family")
		_, hasText := fhir.GetString(name, "text")
		if !hasFamily && !hasText {
			if given := fhir.StringItems(name, "given"); len(given) > 0 {
				text := strings.Join(given, " ")
				name["text"] = text
				r.t.track(res, fmt.Sprintf("name[%d].text", i), nil, text,
					"name has neither family nor text; synthesized text from given names")
			}
		}
	}
}

// ensureIdentifier synthesizes a temporary identifier when the patient has
// none, so downstream joins always have something to key on.
func (r *patientRepairer) ensureIdentifier(res map[string]any) {
	if ids, ok := fhir.GetSlice(res, "identifier"); ok && len(ids) > 0 {
		return
	}
	id := fhir.ResourceID(res)
	if id == "" {
		id = "unknown"
	}
	identifier := map[string]any{
		"system": tempIdentifierSystem,
		"value":  "TEMP-" + id,
	}
	res["identifier"] = []any{identifier}
	r.t.track(res, "identifier", nil, identifier,
		"patient has no identifier; synthesized a temporary identifier")
}

// flagInvalidBirthDate marks an unparseable birthDate without altering it.
func (r *patientRepairer) flagInvalidBirthDate(res map[string]any) {
	birthDate, ok := fhir.GetString(res, "birthDate")
	if !ok || fhir.ValidDate(birthDate) {
		return
	}
	r.t.flagValidationIssue(res, res, "_birthDate", "_birthDate",
		fmt.Sprintf("birthDate %q is not a valid YYYY-MM-DD date", birthDate))
}

func (r *patientRepairer) repairTelecom(res map[string]any) {
	for i, telecom := range fhir.MapItems(res, "telecom") {
		if system, _ := fhir.GetString(telecom, "system"); !validTelecomSystems.Contains(system) {
			telecom["system"] = "other"
			r.t.track(res, fmt.Sprintf("telecom[%d].system", i), system, "other",
				"telecom.system outside the valid ContactPoint system codes; reset to other")
		}
		if use, _ := fhir.GetString(telecom, "use"); !validTelecomUses.Contains(use) {
			telecom["use"] = "temp"
			r.t.track(res, fmt.Sprintf("telecom[%d].use", i), use, "temp",
				"telecom.use outside the valid ContactPoint use codes; reset to temp")
		}
	}
}

func (r *patientRepairer) repairGold(res map[string]any) {
	r.assertUSCoreProfile(res)
	r.completeRaceExtensions(res)
	setNarrative(r.t, res, buildPatientNarrative(res))
	r.applySecurityLabels(res)
}

// assertUSCoreProfile adds the US Core Patient profile to meta.profile only
// when the minimum fields the profile requires are verified present. No
// conformance claim is ever made speculatively.
func (r *patientRepairer) assertUSCoreProfile(res map[string]any) {
	ids, _ := fhir.GetSlice(res, "identifier")
	if len(ids) == 0 {
		return
	}
	usableName := false
	for _, name := range fhir.MapItems(res, "name") {
		family, _ := fhir.GetString(name, "family")
		text, _ := fhir.GetString(name, "text")
		if family != "" || text != "" {
			usableName = true
			break
		}
	}
	if !usableName {
		return
	}
	addProfile(r.t, res, usCorePatientProfile)
}

// completeRaceExtensions repairs us-core-race extensions that are missing
// their nested ombCategory or text components.
func (r *patientRepairer) completeRaceExtensions(res map[string]any) {
	for i, ext := range fhir.MapItems(res, "extension") {
		if url, _ := fhir.GetString(ext, "url"); url != usCoreRaceExtensionURL {
			continue
		}
		var ombDisplay string
		hasOmb, hasText := false, false
		for _, nested := range fhir.MapItems(ext, "extension") {
			switch url, _ := fhir.GetString(nested, "url"); url {
			case "ombCategory":
				hasOmb = true
				if coding, ok := fhir.GetMap(nested, "valueCoding"); ok {
					ombDisplay, _ = fhir.GetString(coding, "display")
				}
			case "text":
				hasText = true
			}
		}
		if hasOmb && hasText {
			continue
		}
		if !hasOmb {
			ombDisplay = "Unknown"
			fhir.AppendToList(ext, "extension", map[string]any{
				"url": "ombCategory",
				"valueCoding": map[string]any{
					"system":  ombRaceCategorySystem,
					"code":    "UNK",
					"display": "Unknown",
				},
			})
		}
		if !hasText {
			text := ombDisplay
			if text == "" {
				text = "Unknown"
			}
			fhir.AppendToList(ext, "extension", map[string]any{
				"url":         "text",
				"valueString": text,
			})
		}
		r.t.track(res, fmt.Sprintf("extension[%d]", i), nil, nil,
			"completed us-core-race extension with default ombCategory/text components")
	}
}

// applySecurityLabels appends the PHI handling labels to meta.security. This
// is unconditional for Patient resources; it does not inspect fields for
// actual sensitive content.
func (r *patientRepairer) applySecurityLabels(res map[string]any) {
	meta := fhir.EnsureMap(res, "meta")
	fhir.AppendToList(meta, "security", map[string]any{
		"system": actCodeSystem,
		"code":   "PHI",
	})
	fhir.AppendToList(meta, "security", map[string]any{
		"system": securityTagSystem,
		"code":   "PHI-RESTRICTED",
	})
	r.t.track(res, "meta.security", nil, nil,
		"applied PHI handling security labels")
}

// addProfile appends uri to meta.profile unless it is already asserted.
func addProfile(t *Transformer, res map[string]any, uri string) {
	meta := fhir.EnsureMap(res, "meta")
	for _, p := range fhir.StringItems(meta, "profile") {
		if p == uri {
			return
		}
	}
	fhir.AppendToList(meta, "profile", uri)
	t.track(res, "meta.profile", nil, uri,
		"asserted profile conformance after verifying required fields")
}

// setNarrative replaces the resource narrative with a freshly generated one.
func setNarrative(t *Transformer, res map[string]any, div string) {
	res["text"] = map[string]any{
		"status": "generated",
		"div":    div,
	}
	t.track(res, "text", nil, nil, "generated resource narrative")
}
