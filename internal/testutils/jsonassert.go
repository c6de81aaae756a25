//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as
// the key is there. Used for timestamps such as a peripheral's last_seen.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys  bool     `default:"true"`
	NilToEmptyArray  bool     `default:"true"`
	IgnoredFields    []string `default:""`
	IgnoreArrayOrder bool     `default:"false"`
}

// Option configures a JSONAsserter.
type Option func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff
// diff on mismatch.
//
//	testutils.NewJSONAsserter(t).Assert(output, `[{"id": "AA:BB:CC:DD:EE:01", "last_seen": "<<PRESENCE>>"}]`)
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	return ja
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// GetOptions returns a copy of the current options.
func (ja *JSONAsserter) GetOptions() JSONAssertOptions {
	return ja.options
}

func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals v and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.Assert(MustJSON(v), expectedJSON)
}

// step rewrites expected and actual in place before they are diffed.
type step func(expected, actual any)

// steps lists the rewrites selected by the options. Order matters: ignored
// fields go before sorting so that a differing timestamp cannot reorder
// otherwise identical elements, and sorting goes before pruning so elements
// line up with their counterparts.
func (ja *JSONAsserter) steps() []step {
	o := ja.options
	steps := []step{fillPresence}
	if o.NilToEmptyArray {
		steps = append(steps, nilArraysToEmpty)
	}
	if len(o.IgnoredFields) > 0 {
		steps = append(steps, func(e, a any) { dropFields(e, o.IgnoredFields); dropFields(a, o.IgnoredFields) })
	}
	if o.IgnoreArrayOrder {
		steps = append(steps, func(e, a any) { sortArrays(e); sortArrays(a) })
	}
	if o.IgnoreExtraKeys {
		steps = append(steps, pruneExtraKeys)
	}
	return steps
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	expected = map[string]any{"root": expected}
	actual = map[string]any{"root": actual}

	for _, s := range ja.steps() {
		s(expected, actual)
	}

	d, err := gojsondiff.New().Compare([]byte(MustJSON(expected)), []byte(MustJSON(actual)))
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	return out
}

// walkPairs calls fn for every pair of values found at the same map key or
// array index in both documents, parents before children.
func walkPairs(expected, actual any, fn func(exp, act any)) {
	fn(expected, actual)
	switch exp := expected.(type) {
	case map[string]any:
		if act, ok := actual.(map[string]any); ok {
			for k, v := range exp {
				if av, ok := act[k]; ok {
					walkPairs(v, av, fn)
				}
			}
		}
	case []any:
		if act, ok := actual.([]any); ok {
			for i := range min(len(exp), len(act)) {
				walkPairs(exp[i], act[i], fn)
			}
		}
	}
}

func fillPresence(expected, actual any) {
	walkPairs(expected, actual, func(e, a any) {
		exp, ok := e.(map[string]any)
		if !ok {
			return
		}
		act, _ := a.(map[string]any)
		for k, v := range exp {
			if v != PresencePlaceholder {
				continue
			}
			if av, present := act[k]; present {
				exp[k] = av
			}
		}
	})
}

// nilArraysToEmpty treats null and [] as equal at the same key.
func nilArraysToEmpty(expected, actual any) {
	isEmpty := func(v any) bool {
		arr, ok := v.([]any)
		return v == nil || (ok && len(arr) == 0)
	}
	walkPairs(expected, actual, func(e, a any) {
		exp, ok := e.(map[string]any)
		act, ok2 := a.(map[string]any)
		if !ok || !ok2 {
			return
		}
		for k, ev := range exp {
			av, present := act[k]
			if present && isEmpty(ev) && isEmpty(av) {
				exp[k], act[k] = []any{}, []any{}
			}
		}
	})
}

func dropFields(doc any, fields []string) {
	switch v := doc.(type) {
	case map[string]any:
		for _, f := range fields {
			delete(v, f)
		}
		for _, child := range v {
			dropFields(child, fields)
		}
	case []any:
		for _, child := range v {
			dropFields(child, fields)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(doc any) {
	switch v := doc.(type) {
	case map[string]any:
		for _, child := range v {
			sortArrays(child)
		}
	case []any:
		for _, child := range v {
			sortArrays(child)
		}
		slices.SortStableFunc(v, func(a, b any) int {
			return strings.Compare(MustJSON(a), MustJSON(b))
		})
	}
}

// pruneExtraKeys removes keys from actual that expected does not mention.
func pruneExtraKeys(expected, actual any) {
	walkPairs(expected, actual, func(e, a any) {
		exp, ok := e.(map[string]any)
		act, ok2 := a.(map[string]any)
		if !ok || !ok2 {
			return
		}
		for k := range act {
			if _, wanted := exp[k]; !wanted {
				delete(act, k)
			}
		}
	})
}

// WithIgnoreExtraKeys sets whether keys missing from expected are ignored.
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithNilToEmptyArray sets whether null matches an empty array.
func WithNilToEmptyArray(normalize bool) Option {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = normalize }
}

// WithIgnoredFields drops the named keys, at any depth, from both sides.
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}
