package speaker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"my name is", "Good morning, my name is Priya.", "Priya"},
		{"i am", "I am Jordan from finance", "Jordan"},
		{"contraction", "Hi I'm Alex", "Alex"},
		{"this is", "this is Sam speaking", "Sam"},
		{"hello contraction", "hello i'm dana", "dana"},
		{"case preserved", "MY NAME IS McKenzie", "McKenzie"},
		{"multi-word name keeps first token", "My name is Mary Ann", "Mary"},
		{"non-ascii name", "my name is José", "José"},
		{"mid sentence", "okay so I'm Chris and I run the team", "Chris"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractName(tt.text)
			require.True(t, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNamePriority(t *testing.T) {
	// "my name is" outranks "i am" even though "I am" appears first.
	got, ok := ExtractName("I am Bob, but my name is Robert")
	require.True(t, ok)
	require.Equal(t, "Robert", got)

	// "i am" outranks "this is".
	got, ok = ExtractName("This is Sarah and I am here")
	require.True(t, ok)
	require.Equal(t, "here", got)
}

func TestExtractNameNoMatch(t *testing.T) {
	for _, text := range []string{
		"",
		"Let's begin the meeting",
		"the agenda is short today",
		"my name",
	} {
		name, ok := ExtractName(text)
		require.False(t, ok, "text %q", text)
		require.Empty(t, name)
	}
}
