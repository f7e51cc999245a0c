package hashchain

// Verification reasons carried in Report issues. These strings are part of
// the API surface; callers and operators match on them.
const (
	ReasonHashMismatch = "hash mismatch"
	ReasonMissing      = "missing predecessor"
	ReasonCircular     = "circular reference"
)

// Issue records one verification failure.
type Issue struct {
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// Report is the structured outcome of a chain verification. A break in the
// chain is data, not an error: callers always get a Report.
type Report struct {
	Valid         bool    `json:"valid"`
	TotalLinks    int     `json:"total_links"`
	VerifiedLinks int     `json:"verified_links"`
	BrokenAt      string  `json:"broken_at,omitempty"`
	Issues        []Issue `json:"issues,omitempty"`
}

func (r *Report) fail(hash, reason string) {
	r.Valid = false
	r.BrokenAt = hash
	r.Issues = append(r.Issues, Issue{Hash: hash, Reason: reason})
}

// LookupFunc resolves a hash to its predecessor hash. ok is false when the
// hash is unknown to the underlying store.
type LookupFunc func(hash string) (prev string, ok bool)

// CheckFunc revalidates the element with the given hash. A non-empty reason
// overrides the default "hash mismatch" in the report.
type CheckFunc func(hash string) (ok bool, reason string)

// Walk verifies a hash-linked sequence backward from tip until it reaches
// genesis. It fails fast on the first broken element, stops on unknown
// hashes, and detects cycles with a visited set, so it terminates in O(n)
// for any input. check may be nil to verify linkage only.
func Walk(tip, genesis string, lookup LookupFunc, check CheckFunc) Report {
	rep := Report{Valid: true}
	if tip == genesis {
		return rep
	}

	visited := make(map[string]bool)
	current := tip
	for current != genesis {
		if visited[current] {
			rep.fail(current, ReasonCircular)
			return rep
		}
		visited[current] = true
		rep.TotalLinks++

		prev, ok := lookup(current)
		if !ok {
			rep.fail(current, ReasonMissing)
			return rep
		}
		if check != nil {
			if ok, reason := check(current); !ok {
				if reason == "" {
					reason = ReasonHashMismatch
				}
				rep.fail(current, reason)
				return rep
			}
		}
		rep.VerifiedLinks++
		current = prev
	}
	return rep
}
