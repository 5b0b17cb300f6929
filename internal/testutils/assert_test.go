package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recordingT) Helper() {}

func TestAssertText(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		opts     []TextOption
		match    bool
	}{
		{name: "identical", expected: "a\nb\n", actual: "a\nb\n", match: true},
		{name: "surrounding whitespace", expected: "\na\nb", actual: "a\nb\n\n", match: true},
		{name: "trailing spaces", expected: "a\nb", actual: "a  \nb\t", match: true},
		{name: "changed line", expected: "a\nb", actual: "a\nc", match: false},
		{name: "blank lines kept by default", expected: "a\nb", actual: "a\n\nb", match: false},
		{name: "blank lines ignored", expected: "a\nb", actual: "a\n\nb", opts: []TextOption{WithIgnoreEmptyLines()}, match: true},
		{name: "exact whitespace", expected: "a\n", actual: "a \n", opts: []TextOption{WithExactWhitespace()}, match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			got := AssertText(rec, tt.expected, tt.actual, tt.opts...)
			assert.Equal(t, tt.match, got)
			assert.Equal(t, tt.match, len(rec.errors) == 0, "AssertText MUST report exactly when it fails: %v", rec.errors)
		})
	}
}

func TestTextDiffIsUnified(t *testing.T) {
	diff := TextDiff("one\ntwo\n", "one\nthree\n", TextAssertOptions{})

	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
	assert.Contains(t, diff, "-two")
	assert.Contains(t, diff, "+three")
}

func TestTextDiffColoredShowsWhitespace(t *testing.T) {
	diff := TextDiff("a b\n", "a  b\n", TextAssertOptions{EnableColors: true})

	assert.Contains(t, diff, "a··b", "Colored diffs MUST make spaces visible")
}

func TestAssertJSON(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		opts     []JSONOption
		match    bool
	}{
		{name: "equal", expected: `{"a":1}`, actual: `{"a":1}`, match: true},
		{name: "key order", expected: `{"a":1,"b":2}`, actual: `{"b":2,"a":1}`, match: true},
		{name: "extra keys ignored", expected: `{"a":1}`, actual: `{"a":1,"b":2}`, match: true},
		{name: "extra keys strict", expected: `{"a":1}`, actual: `{"a":1,"b":2}`, opts: []JSONOption{WithStrictKeys()}, match: false},
		{name: "value differs", expected: `{"a":1}`, actual: `{"a":2}`, match: false},
		{name: "presence", expected: `{"a":"<<PRESENCE>>"}`, actual: `{"a":[1,2]}`, match: true},
		{name: "presence missing key", expected: `{"a":"<<PRESENCE>>"}`, actual: `{"b":1}`, match: false},
		{name: "ignored field", expected: `{"a":1,"ts":5}`, actual: `{"a":1,"ts":9}`, opts: []JSONOption{WithIgnoredFields("ts")}, match: true},
		{name: "nested arrays", expected: `{"s":[{"u":"180f"}]}`, actual: `{"s":[{"u":"180f","h":7}]}`, match: true},
		{name: "root arrays", expected: `[1,2]`, actual: `[1,2]`, match: true},
		{name: "root arrays differ", expected: `[1,2]`, actual: `[2,1]`, match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			got := AssertJSON(rec, tt.expected, tt.actual, tt.opts...)
			assert.Equal(t, tt.match, got, "errors: %v", rec.errors)
		})
	}
}

func TestAssertJSONRejectsInvalidInput(t *testing.T) {
	rec := &recordingT{}
	assert.False(t, AssertJSON(rec, `{"a":1}`, `{"a":`))
	require.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "invalid actual JSON")
}
