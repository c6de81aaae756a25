//go:build test

package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type TextAssertOptions struct {
	IgnoreLeadingWhitespace  bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
}

// TextOption configures a TextAsserter.
type TextOption func(*TextAssertOptions)

// TextAsserter compares command output line by line and reports a unified
// diff on mismatch.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	return NewTextAsserterWithInterface(t)
}

func NewTextAsserterWithInterface(t TestingT) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.options)
	return ta
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

func (ta *TextAsserter) Assert(actual, expected string) {
	want, got := ta.normalize(expected), ta.normalize(actual)
	if want == got {
		return
	}
	edits := myers.ComputeEdits("", want, got)
	ta.t.Errorf("Text assertion failed - unified diff:\n%s", fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits)))
}

func (ta *TextAsserter) normalize(text string) string {
	o := ta.options
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if o.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func WithIgnoreLeadingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreLeadingWhitespace = ignore }
}

func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = ignore }
}

func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = ignore }
}

// WithTrimSpace trims the whole text before splitting it into lines.
func WithTrimSpace(trim bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = trim }
}
