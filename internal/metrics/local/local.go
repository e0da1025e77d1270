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

// Package local contains simple thread-safe metric implementations that can be
// used across multiple goroutines, with results collected at the end of a run.
package local

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/medallion/epic_fhir_tools/internal/metrics/aggregation"
)

var (
	errMatchingTags = errors.New("there must be an equal number of tagKeys and tagValues")
	errInit         = errors.New("Init must be called before Record")
)

// Counter is a local implementation of the counter interface in metrics.go.
type Counter struct {
	mu          sync.Mutex
	initialized bool

	name    string
	tagKeys []string
	aggr    aggregation.Aggregation
	count   map[string]int64
}

// Init should be called once before the Record method is called on this
// counter. Subsequent calls to Record() should provide the TagValues to the
// TagKeys in the same order specified in Init. TagKeys should be a closed set
// of values, for example FHIR Resource type. Counters should not store any PHI.
func (c *Counter) Init(name, description, unit string, aggr aggregation.Aggregation, tagKeys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.name = name
	c.tagKeys = tagKeys
	c.aggr = aggr
	c.count = make(map[string]int64)
	c.initialized = true
	return nil
}

// Record adds val to the counter. The tagValues must match the tagKeys provided
// in the call to Init. Init must be called before the first call to Record.
// Counters should not store any PHI.
func (c *Counter) Record(_ context.Context, val int64, tagValues ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errInit
	}
	if len(tagValues) != len(c.tagKeys) {
		return errMatchingTags
	}

	key := c.name
	if len(tagValues) > 0 {
		key = strings.Join(tagValues, "-")
	}
	if c.aggr == aggregation.LastValueInGCPMaxValueInLocal {
		if val > c.count[key] {
			c.count[key] = val
		}
	} else {
		c.count[key] += val
	}
	return nil
}

// MaybeGetResult returns a snapshot of the counts recorded so far, keyed by
// the joined tag values (or the counter name when there are no tags).
func (c *Counter) MaybeGetResult() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.count))
	for k, v := range c.count {
		out[k] = v
	}
	return out
}

// Latency is a local implementation of the latency interface in metrics.go.
type Latency struct {
	mu          sync.Mutex
	initialized bool

	name    string
	tagKeys []string
	buckets []float64
	dist    map[string][]int
}

// Init should be called once before the Record method is called on this
// metric. The distribution is defined by the Buckets. For example,
// Buckets: [0, 3, 5] will create a distribution with 4 buckets where the last
// bucket is anything >= 5. Dist: <0, >=0 <3, >=3 <5, >=5. Metrics should not
// store any PHI.
func (l *Latency) Init(name, description, unit string, buckets []float64, tagKeys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	l.name = name
	l.tagKeys = tagKeys
	l.buckets = buckets
	l.dist = make(map[string][]int)
	l.initialized = true
	return nil
}

// Record adds 1 to the correct bucket in the distribution. The tagValues must
// match the tagKeys provided in the call to Init. Init must be called before
// the first call to Record. Metrics should not store any PHI.
func (l *Latency) Record(_ context.Context, val float64, tagValues ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return errInit
	}
	if len(tagValues) != len(l.tagKeys) {
		return errMatchingTags
	}

	key := l.name
	if len(tagValues) > 0 {
		key = strings.Join(tagValues, "-")
	}
	if _, ok := l.dist[key]; !ok {
		l.dist[key] = make([]int, len(l.buckets)+1)
	}

	// Default to the last, catch all bucket.
	bucketIndex := len(l.buckets)
	for i, bucket := range l.buckets {
		if val < bucket {
			bucketIndex = i
			break
		}
	}
	l.dist[key][bucketIndex]++
	return nil
}

// MaybeGetResult returns a snapshot of the distributions recorded so far,
// keyed by the joined tag values (or the metric name when there are no tags).
func (l *Latency) MaybeGetResult() map[string][]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]int, len(l.dist))
	for k, v := range l.dist {
		out[k] = append([]int(nil), v...)
	}
	return out
}
