package consensus

import (
	"fmt"
	"strings"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// Fixed resolution action texts.
const (
	ActionAlreadyReached = "Consensus already reached"
	ActionNoConflicts    = "No conflicts to resolve"
	ActionEscalate       = "Escalate to manual mediation"
)

// addressableKeywords mark concerns that a process change can address.
var addressableKeywords = []string{
	"documentation",
	"testing",
	"review",
	"validation",
	"timeline",
	"resources",
	"communication",
	"process",
}

// Resolution is the outcome of ResolveConflicts.
type Resolution struct {
	Success           bool     `json:"conflicts_resolved"`
	Actions           []string `json:"resolution_actions"`
	RemainingConcerns []string `json:"remaining_concerns"`
}

// ResolveConflicts proposes actions for the concerns raised by DISAGREE
// votes. It never mutates c.
//
// Concerns are grouped by word overlap; a group with an addressable keyword
// yields "Address concern: <first>", any other group is left remaining.
// Confident expert dissenters with suggestions add one action each. If
// nothing actionable came out but concerns remain, the single action is to
// escalate. Success means at least one concern was dealt with.
func (e *Engine) ResolveConflicts(c *model.ConsensusResult) Resolution {
	if c.Status == model.ConsensusReached {
		return Resolution{Success: true, Actions: []string{ActionAlreadyReached}, RemainingConcerns: []string{}}
	}

	var dissenting []model.RoleVote
	for _, v := range c.Votes {
		if v.Position == model.PositionDisagree {
			dissenting = append(dissenting, v)
		}
	}
	if len(dissenting) == 0 {
		return Resolution{Success: true, Actions: []string{ActionNoConflicts}, RemainingConcerns: []string{}}
	}

	var all []string
	for _, v := range dissenting {
		all = append(all, v.Concerns...)
	}

	actions := []string{}
	remaining := []string{}
	for _, group := range groupSimilarConcerns(all) {
		if isAddressable(group) {
			actions = append(actions, "Address concern: "+group[0])
		} else {
			remaining = append(remaining, group...)
		}
	}

	for _, v := range dissenting {
		if v.Weight > highWeightFloor && v.Confidence > expertConfidence && v.HasSuggestions() {
			actions = append(actions, fmt.Sprintf("Consider %s suggestion: %s", v.RoleName, v.Suggestions[0]))
		}
	}

	if len(remaining) > 0 && len(actions) == 0 {
		actions = append(actions, ActionEscalate)
	}

	res := Resolution{
		Success:           len(remaining) < len(all),
		Actions:           actions,
		RemainingConcerns: remaining,
	}
	e.logger.Info("consensus: conflict resolution",
		"consensus_id", c.ID,
		"success", res.Success,
		"actions", len(actions),
		"remaining_concerns", len(remaining),
	)
	return res
}

// groupSimilarConcerns groups concerns sharing at least two lower-cased
// whitespace-separated words. A single pass: each unseen concern seeds a
// group and claims every later unseen concern that overlaps the seed.
// Grouping is not transitive, and a concern text repeated by several roles
// appears once.
func groupSimilarConcerns(concerns []string) [][]string {
	processed := make(map[string]struct{}, len(concerns))
	var groups [][]string
	for i, seed := range concerns {
		if _, ok := processed[seed]; ok {
			continue
		}
		processed[seed] = struct{}{}
		group := []string{seed}
		seedWords := wordSet(seed)
		for _, other := range concerns[i+1:] {
			if _, ok := processed[other]; ok {
				continue
			}
			if sharedWords(seedWords, wordSet(other)) >= 2 {
				group = append(group, other)
				processed[other] = struct{}{}
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func sharedWords(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

func isAddressable(group []string) bool {
	for _, concern := range group {
		lower := strings.ToLower(concern)
		for _, kw := range addressableKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// AutoResolveMinorConflicts rewrites minor objections to ABSTAIN in place:
// clarification requests that came with suggestions, and weak (confidence
// below 0.4) disagreements without concerns. Each rewritten vote gets an
// annotation appended to its rationale. Returns whether anything changed.
// Running it again is a no-op.
func (e *Engine) AutoResolveMinorConflicts(c *model.ConsensusResult) bool {
	resolved := false
	for i := range c.Votes {
		v := &c.Votes[i]
		if v.Position == model.PositionNeedsClarification && v.HasSuggestions() {
			v.Position = model.PositionAbstain
			v.Rationale += clarificationResolvedNote
			resolved = true
			e.logger.Info("consensus: auto-resolved clarification request",
				"consensus_id", c.ID, "role", v.RoleName)
		}
	}
	for i := range c.Votes {
		v := &c.Votes[i]
		if v.Position == model.PositionDisagree && v.Confidence < weakDisagreeConfidence && !v.HasConcerns() {
			v.Position = model.PositionAbstain
			v.Rationale += weakDisagreeResolvedNote
			resolved = true
			e.logger.Info("consensus: auto-resolved weak disagreement",
				"consensus_id", c.ID, "role", v.RoleName)
		}
	}
	if resolved {
		c.RefreshDissentingConcerns()
	}
	return resolved
}
