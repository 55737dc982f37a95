package consensus

import "github.com/wtfzdotnet/storyteller-sub002/internal/model"

// CheckRequiresIntervention reports whether c needs a human and why. Checks
// run in order and the first match wins: timeout, failed consensus, more than
// one confident expert dissenter, and stalled progress (past the second
// iteration, still in progress, scoring under 0.4).
func (e *Engine) CheckRequiresIntervention(c *model.ConsensusResult) (bool, model.TriggerReason) {
	switch c.Status {
	case model.ConsensusTimeout:
		return true, model.TriggerTimeout
	case model.ConsensusFailed:
		return true, model.TriggerFailedConsensus
	}

	experts := 0
	for _, v := range c.Votes {
		if v.Position == model.PositionDisagree && v.Weight > highWeightFloor && v.Confidence > expertConfidence {
			experts++
		}
	}
	if experts > 1 {
		return true, model.TriggerHighExpertiseConflict
	}

	if c.Iterations > stalledIterationsFloor &&
		c.AchievedScore < stalledScoreCeiling &&
		c.Status == model.ConsensusInProgress {
		return true, model.TriggerStalledProgress
	}
	return false, ""
}
