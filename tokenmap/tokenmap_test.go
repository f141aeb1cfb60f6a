package tokenmap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New("TOK")
	require.NoError(t, err)
	p, found := m.Placeholder("TOK")
	require.True(t, found)
	assert.Equal(t, "<s0><s1>", p)
	assert.Equal(t, []string{"<s0>", "<s1>"}, m.Tokens())
	assert.Equal(t, []string{"TOK"}, m.Triggers())
	assert.Equal(t, 2, m.NumTokens())
}

func TestNewRejectsInvalidTriggers(t *testing.T) {
	for _, trigger := range []string{"", "a:b", "a,b", ":", ","} {
		_, err := New(trigger)
		require.Errorf(t, err, "trigger %q should have been rejected", trigger)
	}
}

func TestAddContinuesIndices(t *testing.T) {
	m, err := New("TOK")
	require.NoError(t, err)
	require.NoError(t, m.Add("STY", 3))

	// Indices are global: the second trigger continues where the first ended.
	p, _ := m.Placeholder("STY")
	assert.Equal(t, "<s2><s3><s4>", p)
	assert.Equal(t, []string{"<s0>", "<s1>", "<s2>", "<s3>", "<s4>"}, m.Tokens())
	assert.Equal(t, 5, m.NumTokens())

	// No index appears twice across the whole map.
	seen := make(map[string]bool)
	for _, token := range m.Tokens() {
		require.Falsef(t, seen[token], "token %s assigned twice", token)
		seen[token] = true
	}
}

func TestAddRejectsDuplicatesAndBadCounts(t *testing.T) {
	m, err := New("TOK")
	require.NoError(t, err)
	assert.Error(t, m.Add("TOK", 2))
	assert.Error(t, m.Add("STY", 0))
	assert.Error(t, m.Add("STY", -1))

	// Failed adds must not consume indices.
	require.NoError(t, m.Add("STY", 1))
	p, _ := m.Placeholder("STY")
	assert.Equal(t, "<s2>", p)
}

func TestMappingIsACopy(t *testing.T) {
	m, err := New("TOK")
	require.NoError(t, err)
	mapping := m.Mapping()
	mapping["TOK"] = "clobbered"
	p, _ := m.Placeholder("TOK")
	assert.Equal(t, "<s0><s1>", p)
}

func TestSubstitute(t *testing.T) {
	m, err := New("TOK")
	require.NoError(t, err)
	require.NoError(t, m.Add("STY", 1))
	got := m.Substitute("a photo of TOK in STY style, TOK smiling")
	assert.Equal(t, "a photo of <s0><s1> in <s2> style, <s0><s1> smiling", got)
}

func TestManyTriggers(t *testing.T) {
	m, err := New("T0")
	require.NoError(t, err)
	for ii := 1; ii < 10; ii++ {
		require.NoError(t, m.Add(fmt.Sprintf("T%d", ii), ii))
	}
	// 2 for T0 (default), then 1+2+...+9 for the rest.
	assert.Equal(t, 2+45, m.NumTokens())
	tokens := m.Tokens()
	assert.Equal(t, "<s46>", tokens[len(tokens)-1])
}
