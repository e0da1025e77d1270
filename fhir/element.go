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

package fhir

// FHIR resources flow through this module as decoded JSON objects
// (map[string]any). Resources carry open content - extensions, sibling
// primitive elements like _birthDate, and fields from profiles we have never
// seen - all of which must survive a transformation untouched. The helpers in
// this file are the shared accessors for that representation.

// ResourceType returns the resourceType discriminator of res, or "" if it is
// missing or not a string.
func ResourceType(res map[string]any) string {
	s, _ := GetString(res, "resourceType")
	return s
}

// ResourceID returns the id of res, or "" if it is missing or not a string.
func ResourceID(res map[string]any) string {
	s, _ := GetString(res, "id")
	return s
}

// GetString returns res[key] if it is present and a string.
func GetString(res map[string]any, key string) (string, bool) {
	if res == nil {
		return "", false
	}
	s, ok := res[key].(string)
	return s, ok
}

// GetMap returns res[key] if it is present and a JSON object.
func GetMap(res map[string]any, key string) (map[string]any, bool) {
	if res == nil {
		return nil, false
	}
	m, ok := res[key].(map[string]any)
	return m, ok
}

// GetSlice returns res[key] if it is present and a JSON array.
func GetSlice(res map[string]any, key string) ([]any, bool) {
	if res == nil {
		return nil, false
	}
	s, ok := res[key].([]any)
	return s, ok
}

// EnsureMap returns res[key] as a JSON object, creating an empty one (and
// replacing any non-object value) if necessary.
func EnsureMap(res map[string]any, key string) map[string]any {
	if m, ok := res[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	res[key] = m
	return m
}

// AppendToList appends v to the JSON array at res[key], creating the array if
// it does not exist yet.
func AppendToList(res map[string]any, key string, v any) {
	list, _ := res[key].([]any)
	res[key] = append(list, v)
}

// MapItems iterates the JSON array at res[key] and returns the entries that
// are JSON objects. Non-object entries are skipped.
func MapItems(res map[string]any, key string) []map[string]any {
	list, ok := GetSlice(res, key)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(list))
	for _, raw := range list {
		if m, ok := raw.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// StringItems returns the string entries of the JSON array at res[key].
func StringItems(res map[string]any, key string) []string {
	list, ok := GetSlice(res, key)
	if !ok {
		return nil
	}
	items := make([]string, 0, len(list))
	for _, raw := range list {
		if s, ok := raw.(string); ok {
			items = append(items, s)
		}
	}
	return items
}

// DeepCopy returns an independent copy of res. The caller's resource is never
// mutated by a transformation; every tier entry point copies first.
func DeepCopy(res map[string]any) map[string]any {
	if res == nil {
		return nil
	}
	return copyValue(res).(map[string]any)
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		// JSON scalars (string, float64, bool, nil) are immutable.
		return v
	}
}
