// Package tokenmap builds the mapping from user-facing trigger words to the
// placeholder tokens trained by textual inversion.
//
// A trigger like "TOK" maps to a fixed number of placeholder tokens, e.g.
// "<s0><s1>". Placeholder indices are global to a Map: they start at 0 and
// are never reused, so every trigger added to the same Map gets its own
// distinct range of placeholders.
package tokenmap

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DefaultTokensPerTrigger is the number of placeholder tokens each trigger
// expands to, unless Add is called with an explicit count.
const DefaultTokensPerTrigger = 2

// Map holds ordered trigger → placeholder-token assignments.
// Create it with New, extend it with Add.
type Map struct {
	triggers    []string
	placeholder map[string]string
	tokens      []string
}

// New creates a Map with a single trigger expanded to DefaultTokensPerTrigger
// placeholder tokens. It fails if the trigger is empty or contains the
// reserved delimiter characters ':' or ','.
func New(trigger string) (*Map, error) {
	m := &Map{placeholder: make(map[string]string)}
	if err := m.Add(trigger, DefaultTokensPerTrigger); err != nil {
		return nil, err
	}
	return m, nil
}

// Add registers a trigger expanding to numTokens new placeholder tokens.
// Placeholder indices continue from previous entries.
func (m *Map) Add(trigger string, numTokens int) error {
	if trigger == "" {
		return errors.New("trigger token must not be empty")
	}
	if strings.ContainsAny(trigger, ":,") {
		return errors.Errorf("trigger token %q must not contain ':' or ','", trigger)
	}
	if numTokens <= 0 {
		return errors.Errorf("trigger token %q requires a positive number of placeholder tokens, got %d", trigger, numTokens)
	}
	if _, found := m.placeholder[trigger]; found {
		return errors.Errorf("trigger token %q already registered", trigger)
	}
	var concat strings.Builder
	start := len(m.tokens)
	for ii := range numTokens {
		token := fmt.Sprintf("<s%d>", start+ii)
		m.tokens = append(m.tokens, token)
		concat.WriteString(token)
	}
	m.triggers = append(m.triggers, trigger)
	m.placeholder[trigger] = concat.String()
	return nil
}

// Placeholder returns the concatenated placeholder tokens for trigger.
func (m *Map) Placeholder(trigger string) (string, bool) {
	p, found := m.placeholder[trigger]
	return p, found
}

// Mapping returns a copy of the trigger → placeholder mapping.
func (m *Map) Mapping() map[string]string {
	out := make(map[string]string, len(m.placeholder))
	for k, v := range m.placeholder {
		out[k] = v
	}
	return out
}

// Tokens returns the individual placeholder tokens, in index order.
func (m *Map) Tokens() []string {
	return append([]string(nil), m.tokens...)
}

// Triggers returns the triggers in the order they were added.
func (m *Map) Triggers() []string {
	return append([]string(nil), m.triggers...)
}

// NumTokens returns the total number of placeholder tokens assigned.
func (m *Map) NumTokens() int {
	return len(m.tokens)
}

// Substitute replaces every occurrence of each trigger in text by its
// placeholder tokens. Triggers are substituted in the order they were added.
func (m *Map) Substitute(text string) string {
	for _, trigger := range m.triggers {
		text = strings.ReplaceAll(text, trigger, m.placeholder[trigger])
	}
	return text
}
