package trader

// OutcomeKind classifies the result of evaluating one instrument in a
// scan cycle.
type OutcomeKind int

const (
	// OutcomeOK means the instrument passed every gate.
	OutcomeOK OutcomeKind = iota
	// OutcomeSkip excludes the instrument for this cycle only.
	OutcomeSkip
	// OutcomeFatal stops the whole loop.
	OutcomeFatal
)

// Outcome makes skip-and-continue decisions explicit values so the scan
// loop is a plain switch, not error interception per instrument.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

func okOutcome() Outcome { return Outcome{Kind: OutcomeOK} }

func skipOutcome(reason string) Outcome { return Outcome{Kind: OutcomeSkip, Reason: reason} }

func fatalOutcome(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }
