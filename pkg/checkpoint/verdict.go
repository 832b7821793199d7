package checkpoint

// VerdictKind is the outcome of a checkpoint run.
type VerdictKind int

const (
	VerdictPending VerdictKind = iota
	VerdictPassed
	VerdictFailed
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Verdict is the evaluator's decision. It is monotonic: once a run's
// verdict leaves Pending it never changes again.
type Verdict struct {
	Kind    VerdictKind
	Summary string // set when passed
	Reason  string // set when failed
}

// Concluded reports whether the verdict has left Pending.
func (v Verdict) Concluded() bool {
	return v.Kind != VerdictPending
}

// Pass builds a passed verdict.
func Pass(summary string) Verdict {
	return Verdict{Kind: VerdictPassed, Summary: summary}
}

// Fail builds a failed verdict.
func Fail(reason string) Verdict {
	return Verdict{Kind: VerdictFailed, Reason: reason}
}
