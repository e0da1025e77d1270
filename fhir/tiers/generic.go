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
)

// genericRepairer handles every resource type without dedicated repair rules.
type genericRepairer struct {
	t *Transformer
}

func (r *genericRepairer) repairSilver(res map[string]any) {
	meta := fhir.EnsureMap(res, "meta")
	if _, ok := fhir.GetString(meta, "lastUpdated"); ok {
		return
	}
	now := fhir.ToFHIRInstant(time.Now().UTC())
	meta["lastUpdated"] = now
	r.t.track(res, "meta.lastUpdated", nil, now,
		"meta.lastUpdated missing; stamped current time")
}

func (r *genericRepairer) repairGold(res map[string]any) {
	// Unlike the resource-specific repairers, the generic path never
	// overwrites an existing narrative.
	if _, ok := res["text"]; ok {
		return
	}
	setNarrative(r.t, res, buildGenericNarrative(res))
}
