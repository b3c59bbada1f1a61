package stages

type DisputeStatus string

const (
	DisputeSubmitted         DisputeStatus = "submitted"
	DisputeUnderReview       DisputeStatus = "under_review"
	DisputeEvidenceRequested DisputeStatus = "evidence_requested"
	DisputeMediation         DisputeStatus = "mediation"
	DisputeArbitration       DisputeStatus = "arbitration"
	DisputeResolvedBuyer     DisputeStatus = "resolved_buyer"
	DisputeResolvedSeller    DisputeStatus = "resolved_seller"
	DisputeResolvedSplit     DisputeStatus = "resolved_split"
	DisputeWithdrawn         DisputeStatus = "withdrawn"
)

var AllDisputeStatuses = []DisputeStatus{
	DisputeSubmitted, DisputeUnderReview, DisputeEvidenceRequested, DisputeMediation,
	DisputeArbitration, DisputeResolvedBuyer, DisputeResolvedSeller, DisputeResolvedSplit,
	DisputeWithdrawn,
}

var resolutions = []DisputeStatus{DisputeResolvedBuyer, DisputeResolvedSeller, DisputeResolvedSplit}

var disputeGraph = map[DisputeStatus][]DisputeStatus{
	DisputeSubmitted:         {DisputeUnderReview, DisputeEvidenceRequested},
	DisputeUnderReview:       {DisputeEvidenceRequested, DisputeMediation, DisputeArbitration},
	DisputeEvidenceRequested: {DisputeMediation, DisputeArbitration},
	DisputeMediation:         append([]DisputeStatus{DisputeArbitration}, resolutions...),
	DisputeArbitration:       resolutions,
}

func ParseDisputeStatus(s string) (DisputeStatus, bool) {
	for _, st := range AllDisputeStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s DisputeStatus) Terminal() bool {
	return s == DisputeWithdrawn || s.Resolved()
}

func (s DisputeStatus) Resolved() bool {
	return s == DisputeResolvedBuyer || s == DisputeResolvedSeller || s == DisputeResolvedSplit
}

// NextDisputeStatuses lists the arbiter moves from s. Withdrawal is not an
// arbiter move and is handled separately.
func NextDisputeStatuses(s DisputeStatus) []DisputeStatus {
	next := disputeGraph[s]
	out := make([]DisputeStatus, len(next))
	copy(out, next)
	return out
}

func CanAdvanceDispute(from, to DisputeStatus) bool {
	for _, st := range disputeGraph[from] {
		if st == to {
			return true
		}
	}
	return false
}

// ResolutionStage is the terminal deal stage a resolution settles on.
func ResolutionStage(s DisputeStatus) (Stage, bool) {
	switch s {
	case DisputeResolvedBuyer:
		return Cancelled, true
	case DisputeResolvedSeller, DisputeResolvedSplit:
		return Completed, true
	default:
		return "", false
	}
}

func DisputeStrings(in []DisputeStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
