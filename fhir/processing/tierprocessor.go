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

import (
	"context"
	"fmt"

	"github.com/medallion/epic_fhir_tools/fhir"
	"github.com/medallion/epic_fhir_tools/fhir/tiers"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
)

var tierRepairCounter = metrics.NewCounter("fhir-tier-repair-counter", "Count of repairs applied when promoting FHIR resources between quality tiers. The counter is tagged by the FHIR Resource type ex) Observation and by the target tier ex) SILVER.", "1", aggregation.Count, "FHIRResourceType", "Tier")
var tierResourceCounter = metrics.NewCounter("fhir-tier-resource-counter", "Count of FHIR resources promoted to each target quality tier.", "1", aggregation.Count, "Tier")

// tierProcessor promotes each resource it sees to the target quality tier.
type tierProcessor struct {
	BaseProcessor
	target tiers.Tier
	mode   tiers.ValidationMode
	debug  bool
}

// NewTierProcessor creates a Processor which runs the quality tier
// transformation on every resource passing through the pipeline. Resources
// already tagged Silver are promoted with the Silver -> Gold stage alone;
// untagged (Bronze) resources get the full promotion to the target tier.
// The mode controls whether the per-repair audit trail is embedded on the
// resource itself (tiers.Strict) or kept in memory only.
func NewTierProcessor(target tiers.Tier, mode tiers.ValidationMode, debug bool) (Processor, error) {
	switch target {
	case tiers.Silver, tiers.Gold:
	default:
		return nil, fmt.Errorf("unsupported target tier %q", target)
	}
	return &tierProcessor{target: target, mode: mode, debug: debug}, nil
}

// Process is Processor.Process.
func (tp *tierProcessor) Process(ctx context.Context, resource ResourceWrapper) error {
	res, err := resource.Resource()
	if err != nil {
		return err
	}

	// One transformer per resource so the modification count below covers this
	// resource alone.
	t := tiers.NewTransformer(tp.mode, tp.debug)
	var out map[string]any
	switch {
	case tp.target == tiers.Silver:
		out = t.BronzeToSilver(res)
	case currentTier(res) == tiers.Silver:
		out = t.SilverToGold(res)
	default:
		out = t.BronzeToGold(res)
	}

	// The wrapper owns the map identity, so copy the transformed resource into
	// it rather than swapping the map out.
	for k := range res {
		delete(res, k)
	}
	for k, v := range out {
		res[k] = v
	}

	resourceType := resource.Type()
	if resourceType == "" {
		resourceType = "unknown"
	}
	if err := tierResourceCounter.Record(ctx, 1, string(tp.target)); err != nil {
		return err
	}
	repairs := int64(len(t.Metadata().Modifications))
	if repairs > 0 {
		if err := tierRepairCounter.Record(ctx, repairs, resourceType, string(tp.target)); err != nil {
			return err
		}
	}

	return tp.Output(ctx, resource)
}

// currentTier reads the quality tier tag from meta.tag, returning Bronze when
// no tier tag is present.
func currentTier(res map[string]any) tiers.Tier {
	meta, ok := fhir.GetMap(res, "meta")
	if !ok {
		return tiers.Bronze
	}
	for _, tag := range fhir.MapItems(meta, "tag") {
		system, _ := fhir.GetString(tag, "system")
		if system != "http://terminology.hl7.org/CodeSystem/v3-ObservationValue" {
			continue
		}
		switch code, _ := fhir.GetString(tag, "code"); code {
		case string(tiers.Silver):
			return tiers.Silver
		case string(tiers.Gold):
			return tiers.Gold
		}
	}
	return tiers.Bronze
}
