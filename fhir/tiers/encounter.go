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

	"github.com/medallion/epic_fhir_tools/fhir"
)

type encounterRepairer struct {
	t *Transformer
}

func (r *encounterRepairer) repairSilver(res map[string]any) {
	r.repairStatus(res)
	r.repairPeriod(res)
}

func (r *encounterRepairer) repairStatus(res map[string]any) {
	status, ok := fhir.GetString(res, "status")
	switch {
	case !ok:
		res["status"] = "unknown"
		r.t.track(res, "status", nil, "unknown",
			"encounter status missing; defaulted to unknown")
	case !validEncounterStatuses.Contains(status):
		res["status"] = "unknown"
		r.t.track(res, "status", status, "unknown",
			"encounter status outside the valid EncounterStatus codes; reset to unknown")
	}
}

// repairPeriod normalizes period.start and period.end dateTimes that use a
// space instead of the "T" separator, and flags values that do not parse.
// The rewrite is only committed when the normalized value parses; an
// unparseable value is preserved verbatim and flagged.
func (r *encounterRepairer) repairPeriod(res map[string]any) {
	period, ok := fhir.GetMap(res, "period")
	if !ok {
		return
	}
	for _, field := range []string{"start", "end"} {
		value, ok := fhir.GetString(period, field)
		if !ok || value == "" {
			continue
		}
		if normalized := fhir.NormalizeDateTime(value); normalized != value && fhir.ValidDateTime(normalized) {
			period[field] = normalized
			r.t.track(res, "period."+field, value, normalized,
				"period dateTime used a space separator; replaced with T")
			continue
		}
		if !fhir.ValidDateTime(value) {
			r.t.flagValidationIssue(res, period, "_"+field, "period._"+field,
				fmt.Sprintf("period.%s %q is not a parseable dateTime", field, value))
		}
	}
}

func (r *encounterRepairer) repairGold(res map[string]any) {
	// No US Core profile assertion for Encounter yet; Gold only regenerates
	// the narrative.
	setNarrative(r.t, res, buildEncounterNarrative(res))
}
