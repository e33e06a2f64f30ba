// Package policy classifies conflict severity. The thresholds separating a
// minor divergence from a major one are a product decision, not an
// engineering constant, so the classifier is a compiled expression that
// deployments can replace without touching code.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/draftsync/draftsync/internal/document"
)

type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// DefaultProgram marks a conflict major when the two copies disagree on the
// identity of a sizeable share of blocks, or when one side has drifted by
// more than a few blocks.
const DefaultProgram = `IdentityDivergence * 2 > min(LocalBlocks, ServerBlocks) || BlockDelta > 3`

// Env is the evaluation environment a severity program sees.
type Env struct {
	LocalBlocks        int
	ServerBlocks       int
	BlockDelta         int
	IdentityDivergence int
}

// SeverityPolicy evaluates a compiled program; true means major.
type SeverityPolicy struct {
	source  string
	program *vm.Program
}

// Compile builds a policy from an expression source. An empty source
// compiles DefaultProgram.
func Compile(source string) (*SeverityPolicy, error) {
	if source == "" {
		source = DefaultProgram
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile severity policy: %w", err)
	}
	return &SeverityPolicy{source: source, program: program}, nil
}

// MustCompile is Compile for known-good sources, such as DefaultProgram.
func MustCompile(source string) *SeverityPolicy {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *SeverityPolicy) Source() string {
	return p.source
}

// Classify evaluates the policy over a structural divergence. Evaluation
// errors degrade to major: when in doubt, show the stronger warning.
func (p *SeverityPolicy) Classify(d document.Divergence) Severity {
	out, err := expr.Run(p.program, Env{
		LocalBlocks:        d.LocalBlocks,
		ServerBlocks:       d.ServerBlocks,
		BlockDelta:         d.BlockDelta,
		IdentityDivergence: d.IdentityDivergence,
	})
	if err != nil {
		return SeverityMajor
	}
	if major, ok := out.(bool); ok && major {
		return SeverityMajor
	}
	return SeverityMinor
}
