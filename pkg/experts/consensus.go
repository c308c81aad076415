package experts

import "github.com/lighthouse-hq/lighthouse/pkg/models"

// Adjudicate applies the fixed consensus rule to a set of votes. n is the
// configured panel size, not the number of votes actually collected, so a
// short-handed panel cannot lower the approval bar.
//
// In order: a single deny at or above tauDeny decides; a majority of
// approvals at or above tauApprove approves; any needs-revision asks for
// one; everything else, including an all-abstain panel, denies.
func Adjudicate(votes []models.ExpertVote, n int, tauApprove, tauDeny float64) models.Verdict {
	for _, vote := range votes {
		if vote.Verdict == models.VerdictDeny && vote.Confidence >= tauDeny {
			return models.VerdictDeny
		}
	}

	approvals := 0
	for _, vote := range votes {
		if vote.Verdict == models.VerdictApprove && vote.Confidence >= tauApprove {
			approvals++
		}
	}
	if approvals >= (n+1)/2 {
		return models.VerdictApprove
	}

	for _, vote := range votes {
		if vote.Verdict == models.VerdictNeedsRevision {
			return models.VerdictNeedsRevision
		}
	}
	return models.VerdictDeny
}

// sanitizeVote normalizes what came over the wire. The expert id is forced
// to the called expert, and anything malformed becomes an abstain; a bad
// vote must never count toward approval.
func sanitizeVote(expertID string, vote *models.ExpertVote) models.ExpertVote {
	if vote == nil {
		return abstainVote(expertID)
	}
	out := *vote
	out.ExpertID = expertID
	switch out.Verdict {
	case models.VerdictApprove, models.VerdictDeny, models.VerdictAbstain, models.VerdictNeedsRevision:
	default:
		return abstainVote(expertID)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return abstainVote(expertID)
	}
	return out
}

func abstainVote(expertID string) models.ExpertVote {
	return models.ExpertVote{ExpertID: expertID, Verdict: models.VerdictAbstain}
}

func timeoutVote(expertID string) models.ExpertVote {
	return models.ExpertVote{ExpertID: expertID, Verdict: models.VerdictTimeout}
}
