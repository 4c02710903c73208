// Package summary reduces the result blobs of one step into a value distribution.
package summary

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind names the shape detected across all result items.
type Kind string

const (
	KindEmpty          Kind = "empty"
	KindSimpleValue    Kind = "simple_value"
	KindKeyValue       Kind = "key_value"
	KindNestedKeyValue Kind = "nested_key_value"
	KindMixed          Kind = "mixed"
)

// SimpleValueCount is one histogram bucket.
type SimpleValueCount struct {
	Value any `json:"value"`
	Count int `json:"count"`
}

// KeyValueDistribution is the histogram of one key across items.
type KeyValueDistribution struct {
	KeyName           string             `json:"key_name"`
	TotalOccurrences  int                `json:"total_occurrences"`
	ValueDistribution []SimpleValueCount `json:"value_distribution"`
}

// NestedKeyValueSummary reports the inner key histograms of one outer key.
type NestedKeyValueSummary struct {
	OuterKeyName    string                 `json:"outer_key_name"`
	InnerKeySummary []KeyValueDistribution `json:"inner_key_summary"`
}

// Result is the outcome of Summarize. Data holds []SimpleValueCount,
// []KeyValueDistribution or NestedKeyValueSummary depending on Kind, and is
// nil for empty and mixed.
type Result struct {
	Kind Kind
	Data any
}

// Summarize classifies items and builds the matching distribution.
//
// Nested input reports a single outer key: the first, in key order, of the
// first item, aggregated over every item that carries it.
func Summarize(items []any) Result {
	if len(items) == 0 {
		return Result{Kind: KindEmpty}
	}

	if allScalar(items) {
		return Result{Kind: KindSimpleValue, Data: histogram(items)}
	}

	objects := make([]map[string]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return Result{Kind: KindMixed}
		}
		objects = append(objects, obj)
	}
	if len(objects[0]) == 0 {
		return Result{Kind: KindMixed}
	}

	if allScalarObjects(objects) {
		return Result{Kind: KindKeyValue, Data: keyDistributions(objects)}
	}

	if nested, ok := nestedSummary(objects); ok {
		return Result{Kind: KindNestedKeyValue, Data: nested}
	}
	return Result{Kind: KindMixed}
}

// SummarizeJSON decodes raw blobs and summarizes them.
func SummarizeJSON(raws []json.RawMessage) (Result, error) {
	items := make([]any, 0, len(raws))
	for i, raw := range raws {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Result{}, fmt.Errorf("decode result %d: %w", i, err)
		}
		items = append(items, v)
	}
	return Summarize(items), nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func allScalar(items []any) bool {
	for _, item := range items {
		if !isScalar(item) {
			return false
		}
	}
	return true
}

func scalarObject(obj map[string]any) bool {
	for _, v := range obj {
		if !isScalar(v) {
			return false
		}
	}
	return true
}

func allScalarObjects(objects []map[string]any) bool {
	for _, obj := range objects {
		if !scalarObject(obj) {
			return false
		}
	}
	return true
}

func keyDistributions(objects []map[string]any) []KeyValueDistribution {
	values := make(map[string][]any)
	for _, obj := range objects {
		for k, v := range obj {
			values[k] = append(values[k], v)
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyValueDistribution, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValueDistribution{
			KeyName:           k,
			TotalOccurrences:  len(values[k]),
			ValueDistribution: histogram(values[k]),
		})
	}
	return out
}

func nestedSummary(objects []map[string]any) (NestedKeyValueSummary, bool) {
	for _, obj := range objects {
		for _, v := range obj {
			inner, ok := v.(map[string]any)
			if !ok || !scalarObject(inner) {
				return NestedKeyValueSummary{}, false
			}
		}
	}

	outerKeys := make([]string, 0, len(objects[0]))
	for k := range objects[0] {
		outerKeys = append(outerKeys, k)
	}
	sort.Strings(outerKeys)
	outer := outerKeys[0]

	var inners []map[string]any
	for _, obj := range objects {
		if inner, ok := obj[outer].(map[string]any); ok {
			inners = append(inners, inner)
		}
	}
	dist := keyDistributions(inners)
	if len(dist) == 0 {
		return NestedKeyValueSummary{}, false
	}
	return NestedKeyValueSummary{OuterKeyName: outer, InnerKeySummary: dist}, true
}

// histogram counts scalar values, ordered by count descending then value.
func histogram(values []any) []SimpleValueCount {
	type bucket struct {
		value any
		count int
	}
	index := make(map[string]int)
	var buckets []bucket
	for _, v := range values {
		key := bucketKey(v)
		if i, ok := index[key]; ok {
			buckets[i].count++
			continue
		}
		index[key] = len(buckets)
		buckets = append(buckets, bucket{value: v, count: 1})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return bucketKey(buckets[i].value) < bucketKey(buckets[j].value)
	})

	out := make([]SimpleValueCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, SimpleValueCount{Value: b.value, Count: b.count})
	}
	return out
}

// bucketKey keeps values of different JSON types apart, so "1" and 1 count separately.
func bucketKey(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}
