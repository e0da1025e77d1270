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
	"html"
	"strings"

	"github.com/medallion/epic_fhir_tools/fhir"
)

// The narrative builders produce the human readable text.div summary for the
// Gold tier: plain string concatenation wrapped in a single root div carrying
// the XHTML namespace, no templating.

type narrativeBuilder struct {
	b strings.Builder
}

func newNarrative(title string) *narrativeBuilder {
	nb := &narrativeBuilder{}
	fmt.Fprintf(&nb.b, `<div xmlns=%q><p><b>%s</b></p>`, xhtmlNamespace, html.EscapeString(title))
	return nb
}

// row adds a "Label: value" line, skipping empty values.
func (nb *narrativeBuilder) row(label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(&nb.b, "<p><b>%s:</b> %s</p>", html.EscapeString(label), html.EscapeString(value))
}

func (nb *narrativeBuilder) String() string {
	return nb.b.String() + "</div>"
}

func buildPatientNarrative(res map[string]any) string {
	nb := newNarrative("Patient")
	for _, name := range fhir.MapItems(res, "name") {
		if text, _ := fhir.GetString(name, "text"); text != "" {
			nb.row("Name", text)
			continue
		}
		family, _ := fhir.GetString(name, "family")
		given := strings.Join(fhir.StringItems(name, "given"), " ")
		nb.row("Name", strings.TrimSpace(given+" "+family))
	}
	gender, _ := fhir.GetString(res, "gender")
	nb.row("Gender", gender)
	birthDate, _ := fhir.GetString(res, "birthDate")
	nb.row("Birth Date", birthDate)
	for _, id := range fhir.MapItems(res, "identifier") {
		value, _ := fhir.GetString(id, "value")
		if system, _ := fhir.GetString(id, "system"); system != "" && value != "" {
			value = value + " (" + system + ")"
		}
		nb.row("Identifier", value)
	}
	for _, telecom := range fhir.MapItems(res, "telecom") {
		system, _ := fhir.GetString(telecom, "system")
		value, _ := fhir.GetString(telecom, "value")
		if system != "" && value != "" {
			nb.row("Contact", system+": "+value)
		} else {
			nb.row("Contact", value)
		}
	}
	for _, address := range fhir.MapItems(res, "address") {
		parts := fhir.StringItems(address, "line")
		for _, key := range []string{"city", "state", "postalCode"} {
			if v, _ := fhir.GetString(address, key); v != "" {
				parts = append(parts, v)
			}
		}
		nb.row("Address", strings.Join(parts, ", "))
	}
	return nb.String()
}

func buildObservationNarrative(res map[string]any) string {
	nb := newNarrative("Observation")
	nb.row("Code", codeableConceptSummary(res, "code"))
	status, _ := fhir.GetString(res, "status")
	nb.row("Status", status)
	effective, _ := fhir.GetString(res, "effectiveDateTime")
	nb.row("Date", effective)
	if subject, ok := fhir.GetMap(res, "subject"); ok {
		ref, _ := fhir.GetString(subject, "reference")
		nb.row("Subject", ref)
	}
	nb.row("Value", observationValueSummary(res))
	return nb.String()
}

func buildEncounterNarrative(res map[string]any) string {
	nb := newNarrative("Encounter")
	for _, typ := range fhir.MapItems(res, "type") {
		nb.row("Type", codeableConceptText(typ))
	}
	status, _ := fhir.GetString(res, "status")
	nb.row("Status", status)
	if class, ok := fhir.GetMap(res, "class"); ok {
		display, _ := fhir.GetString(class, "display")
		if display == "" {
			display, _ = fhir.GetString(class, "code")
		}
		nb.row("Class", display)
	}
	if period, ok := fhir.GetMap(res, "period"); ok {
		start, _ := fhir.GetString(period, "start")
		end, _ := fhir.GetString(period, "end")
		switch {
		case start != "" && end != "":
			nb.row("Period", start+" to "+end)
		case start != "":
			nb.row("Period", "from "+start)
		case end != "":
			nb.row("Period", "until "+end)
		}
	}
	if subject, ok := fhir.GetMap(res, "subject"); ok {
		ref, _ := fhir.GetString(subject, "reference")
		nb.row("Subject", ref)
	}
	return nb.String()
}

func buildGenericNarrative(res map[string]any) string {
	resourceType := fhir.ResourceType(res)
	if resourceType == "" {
		resourceType = "Resource"
	}
	summary := resourceType + " resource"
	if id := fhir.ResourceID(res); id != "" {
		summary += " " + id
	}
	return fmt.Sprintf(`<div xmlns=%q><p>%s</p></div>`, xhtmlNamespace, html.EscapeString(summary))
}

// codeableConceptSummary summarizes the CodeableConcept at res[key].
func codeableConceptSummary(res map[string]any, key string) string {
	concept, ok := fhir.GetMap(res, key)
	if !ok {
		return ""
	}
	return codeableConceptText(concept)
}

func codeableConceptText(concept map[string]any) string {
	if text, _ := fhir.GetString(concept, "text"); text != "" {
		return text
	}
	for _, coding := range fhir.MapItems(concept, "coding") {
		if display, _ := fhir.GetString(coding, "display"); display != "" {
			return display
		}
		if code, _ := fhir.GetString(coding, "code"); code != "" {
			return code
		}
	}
	return ""
}

func observationValueSummary(res map[string]any) string {
	if quantity, ok := fhir.GetMap(res, "valueQuantity"); ok {
		unit, _ := fhir.GetString(quantity, "unit")
		value := ""
		switch v := quantity["value"].(type) {
		case float64:
			value = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
		case string:
			value = v
		}
		return strings.TrimSpace(value + " " + unit)
	}
	if s, ok := fhir.GetString(res, "valueString"); ok {
		return s
	}
	if concept, ok := fhir.GetMap(res, "valueCodeableConcept"); ok {
		return codeableConceptText(concept)
	}
	return ""
}
