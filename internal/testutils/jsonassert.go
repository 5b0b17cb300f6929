package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence matches any actual value, as long as the key exists
const Presence = "<<PRESENCE>>"

// JSONAssertOptions controls which parts of the actual document take part in the comparison
type JSONAssertOptions struct {
	IgnoreExtraKeys bool `default:"true"`
	IgnoredFields   []string
}

// JSONOption tweaks JSONAssertOptions
type JSONOption func(*JSONAssertOptions)

// WithStrictKeys fails on keys present in actual but not in expected
func WithStrictKeys() JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = false }
}

// WithIgnoredFields removes the named keys at any depth on both sides
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// AssertJSON fails t with an annotated diff when actual does not match expected.
// String values equal to Presence in expected accept whatever actual holds.
func AssertJSON(t TestingT, expected, actual string, opts ...JSONOption) bool {
	t.Helper()

	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	diff, err := JSONDiff(expected, actual, o)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return false
	}
	if diff != "" {
		t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff returns a formatted difference between the documents, or "" when they match
func JSONDiff(expectedJSON, actualJSON string, o JSONAssertOptions) (string, error) {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]interface{}); ok {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	fillPresence(expected, actual)
	for _, f := range o.IgnoredFields {
		dropField(expected, f)
		dropField(actual, f)
	}
	if o.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, err := json.Marshal(expected)
	if err != nil {
		return "", err
	}
	actualBytes, err := json.Marshal(actual)
	if err != nil {
		return "", err
	}

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return "", err
	}
	if !diff.Modified() {
		return "", nil
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(diff)
}

func fillPresence(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPresence(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPresence(exp[i], act[i])
			}
		}
	}
}

func dropField(v interface{}, name string) {
	switch node := v.(type) {
	case map[string]interface{}:
		delete(node, name)
		for _, child := range node {
			dropField(child, name)
		}
	case []interface{}:
		for _, child := range node {
			dropField(child, name)
		}
	}
}

// pruneExtraKeys removes keys from actual that expected does not mention
func pruneExtraKeys(actual, expected interface{}) {
	switch act := actual.(type) {
	case map[string]interface{}:
		exp, ok := expected.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
				continue
			}
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		exp, ok := expected.([]interface{})
		if !ok {
			return
		}
		for i := range act {
			if i < len(exp) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}
