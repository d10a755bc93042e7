package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantBody string
		wantFold bool
	}{
		{"exact url", "https://example.com/pixel.gif", KindExact, "https://example.com/pixel.gif", false},
		{"wildcard lowercased", "*.DoubleClick.net/*", KindWildcard, "*.doubleclick.net/*", false},
		{"catch-all", "*", KindWildcard, "*", false},
		{"regexp", "~^https?://ads\\.", KindRegexp, "^https?://ads\\.", false},
		{"regexp fold", "~*analytics", KindRegexp, "analytics", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, body, fold := Classify(tt.raw)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantFold, fold)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("")
	require.Error(t, err)

	_, err = Compile("   ")
	require.Error(t, err)

	_, err = Compile("~[unclosed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid regexp pattern")
}

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		input string
		want  bool
	}{
		{"exact case-insensitive", "https://Example.com/a", "https://example.com/A", true},
		{"exact mismatch", "https://example.com/a", "https://example.com/b", false},
		{"wildcard host", "*.doubleclick.net/*", "https://ad.DoubleClick.net/pixel", true},
		{"wildcard miss", "*.doubleclick.net/*", "https://example.com/", false},
		{"wildcard middle segments", "https://*/track/*.js", "https://cdn.example.com/track/v2/a.js", true},
		{"regexp case-sensitive", "~^https://ADS\\.", "https://ads.example.com", false},
		{"regexp case-insensitive", "~*^https://ADS\\.", "https://ads.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.input))
		})
	}
}

func TestPattern_NilNeverMatches(t *testing.T) {
	var p *Pattern
	assert.False(t, p.Match("anything"))
}

func TestSet_FirstMatch(t *testing.T) {
	set, err := CompileAll([]string{"*.tracker.io/*", "~*facebook\\.net"})
	require.NoError(t, err)
	require.Len(t, set, 2)

	hit := set.FirstMatch("https://connect.facebook.net/sdk.js")
	require.NotNil(t, hit)
	assert.Equal(t, KindRegexp, hit.Kind)

	assert.Nil(t, set.FirstMatch("https://example.com/"))

	_, err = CompileAll([]string{"ok", ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern[1]")
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		text, glob string
		want       bool
	}{
		{"document.pdf", "*.pdf", true},
		{"document.pdf.txt", "*.pdf", false},
		{"anything", "*", true},
		{"/a/b/c", "/a/*", true},
		{"/a/b/c", "/a/**/c", true},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"ab", "a*b*c", false},
	}

	for _, tt := range tests {
		t.Run(tt.text+"|"+tt.glob, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchWildcard(tt.text, tt.glob))
		})
	}
}
