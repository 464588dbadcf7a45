package isolation

import (
	"encoding/json"
	"fmt"
)

// Reasons a group is not isolated.
const (
	ReasonNoPeers           = "no-peers"
	ReasonInsufficientPairs = "insufficient-pairs"
	ReasonPeerMargin        = "below-peer-margin"
	ReasonBaselineMargin    = "below-baseline-margin"
	ReasonBothMargins       = "below-both-margins"
)

// Verdict is the outcome of the dual-threshold rule: Isolated or NotIsolated.
type Verdict interface {
	isVerdict()
	String() string
}

// Isolated means intra similarity beats both peers and baseline by the margin.
type Isolated struct{}

// NotIsolated carries the first rule that failed.
type NotIsolated struct {
	Reason string
}

func (Isolated) isVerdict()    {}
func (NotIsolated) isVerdict() {}

func (Isolated) String() string      { return "isolated" }
func (v NotIsolated) String() string { return "not-isolated: " + v.Reason }

// IsIsolated is shorthand for a type switch on v.
func IsIsolated(v Verdict) bool {
	_, ok := v.(Isolated)
	return ok
}

// Decide applies the rule to the three means. Both margins must be exceeded.
func Decide(intra, inter, baseline, margin float64) Verdict {
	peerOK := intra-inter > margin
	baseOK := intra-baseline > margin
	switch {
	case peerOK && baseOK:
		return Isolated{}
	case !peerOK && !baseOK:
		return NotIsolated{Reason: ReasonBothMargins}
	case !peerOK:
		return NotIsolated{Reason: ReasonPeerMargin}
	default:
		return NotIsolated{Reason: ReasonBaselineMargin}
	}
}

type verdictJSON struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func marshalVerdict(v Verdict) verdictJSON {
	switch v := v.(type) {
	case Isolated:
		return verdictJSON{Status: "isolated"}
	case NotIsolated:
		return verdictJSON{Status: "not-isolated", Reason: v.Reason}
	default:
		return verdictJSON{}
	}
}

func unmarshalVerdict(j verdictJSON) (Verdict, error) {
	switch j.Status {
	case "isolated":
		return Isolated{}, nil
	case "not-isolated":
		return NotIsolated{Reason: j.Reason}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown verdict status %q", j.Status)
	}
}

// MarshalJSON encodes the verdict as {"status": ..., "reason": ...}.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		plain
		Verdict verdictJSON `json:"verdict"`
	}{plain: plain(r), Verdict: marshalVerdict(r.Verdict)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	type plain Report
	var aux struct {
		*plain
		Verdict verdictJSON `json:"verdict"`
	}
	aux.plain = (*plain)(r)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v, err := unmarshalVerdict(aux.Verdict)
	if err != nil {
		return err
	}
	r.Verdict = v
	return nil
}
