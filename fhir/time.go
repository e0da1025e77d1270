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

// Package fhir holds utilities for working with fast healthcare
// interoperability resources (FHIR) represented as decoded JSON.
package fhir

import (
	"strings"
	"time"
)

const (
	layoutSecondsUTC        = "2006-01-02T15:04:05Z"
	layoutSeconds           = "2006-01-02T15:04:05-07:00"
	fhirTimeOutputFormatStr = "2006-01-02T15:04:05.000-07:00"

	layoutDate = "2006-01-02"
)

// dateTimeLayouts are the precisions a FHIR dateTime may carry, from full
// timestamps down to a bare year.
var dateTimeLayouts = []string{
	layoutSecondsUTC,
	layoutSeconds,
	"2006-01-02T15:04:05",
	layoutDate,
	"2006-01",
	"2006",
}

// ParseFHIRInstant parses a FHIR instant string into a time.Time.
func ParseFHIRInstant(instant string) (time.Time, error) {
	t, err := time.Parse(layoutSecondsUTC, instant)
	if err != nil {
		return time.Parse(layoutSeconds, instant)
	}
	return t, nil
}

// ToFHIRInstant takes a time.Time and returns the string FHIR Instant
// representation of it.
func ToFHIRInstant(t time.Time) string {
	return t.Format(fhirTimeOutputFormatStr)
}

// ValidDate reports whether s is a full YYYY-MM-DD FHIR date.
func ValidDate(s string) bool {
	_, err := time.Parse(layoutDate, s)
	return err == nil
}

// ValidDateTime reports whether s parses as a FHIR dateTime at any of the
// precisions the standard allows.
func ValidDateTime(s string) bool {
	for _, layout := range dateTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// NormalizeDateTime repairs a dateTime that uses a space instead of the "T"
// date/time separator, replacing the first space with "T". Values that already
// contain a "T" (or no space at all) are returned unchanged.
func NormalizeDateTime(s string) string {
	if strings.Contains(s, "T") {
		return s
	}
	return strings.Replace(s, " ", "T", 1)
}
