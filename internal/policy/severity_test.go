package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftsync/draftsync/internal/document"
)

func TestDefaultProgramClassification(t *testing.T) {
	p := MustCompile("")

	tests := []struct {
		name string
		div  document.Divergence
		want Severity
	}{
		{
			name: "small drift is minor",
			div:  document.Divergence{LocalBlocks: 20, ServerBlocks: 21, BlockDelta: 1, IdentityDivergence: 2},
			want: SeverityMinor,
		},
		{
			name: "identity divergence over half the smaller copy is major",
			div:  document.Divergence{LocalBlocks: 10, ServerBlocks: 10, BlockDelta: 0, IdentityDivergence: 6},
			want: SeverityMajor,
		},
		{
			name: "large block delta is major",
			div:  document.Divergence{LocalBlocks: 20, ServerBlocks: 15, BlockDelta: 5, IdentityDivergence: 0},
			want: SeverityMajor,
		},
		{
			name: "identical copies are minor",
			div:  document.Divergence{LocalBlocks: 5, ServerBlocks: 5},
			want: SeverityMinor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.div))
		})
	}
}

func TestCustomProgram(t *testing.T) {
	p, err := Compile(`BlockDelta > 0`)
	require.NoError(t, err)
	assert.Equal(t, SeverityMajor, p.Classify(document.Divergence{BlockDelta: 1}))
	assert.Equal(t, SeverityMinor, p.Classify(document.Divergence{BlockDelta: 0}))
}

func TestCompileRejectsBadSource(t *testing.T) {
	_, err := Compile(`NotAField > 1`)
	require.Error(t, err)

	_, err = Compile(`LocalBlocks +`)
	require.Error(t, err)
}

func TestCompileRejectsNonBooleanProgram(t *testing.T) {
	_, err := Compile(`LocalBlocks + ServerBlocks`)
	require.Error(t, err)
}

func TestSourceRoundTrip(t *testing.T) {
	p := MustCompile("")
	assert.Equal(t, DefaultProgram, p.Source())
}
