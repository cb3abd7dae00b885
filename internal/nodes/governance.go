package nodes

import (
	"context"
	"fmt"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

type governanceParams struct {
	domainParams
	DAO         string  `json:"dao"`
	Action      string  `json:"action"`
	ProposalID  string  `json:"proposal_id"`
	Support     string  `json:"support"`
	VotingPower float64 `json:"voting_power"`
}

// DAOGovernance lists active proposals of a DAO or prepares a vote on one.
// Votes are reported as prepared intents; submitting them is up to the
// caller.
type DAOGovernance struct{ domain }

func NewDAOGovernance(d *Deps) *DAOGovernance {
	return &DAOGovernance{domain: newDomain("dao_governance", d)}
}

func (e *DAOGovernance) params(raw map[string]any) (governanceParams, error) {
	p, err := decodeParams[governanceParams](e.base, raw)
	if err != nil {
		return p, err
	}
	if p.Action == "vote" && (p.ProposalID == "" || p.Support == "") {
		return p, paramError(e.Type(), "vote requires 'proposal_id' and 'support'")
	}
	return p, nil
}

func (e *DAOGovernance) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *DAOGovernance) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	proposals, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) ([]protocol.Proposal, error) {
		return e.data.Proposals(ctx, p.DAO)
	})
	if err != nil {
		conservative := map[string]any{"dao": p.DAO, "action": p.Action}
		if p.Action == "vote" {
			conservative["status"] = "skipped"
		} else {
			conservative["proposals"] = []protocol.Proposal{}
		}
		return e.unavailable(ctx, p.domainParams, err, conservative)
	}

	if p.Action == "list" {
		active := []protocol.Proposal{}
		for _, pr := range proposals {
			if pr.Status == protocol.ProposalActive {
				active = append(active, pr)
			}
		}
		return confident(map[string]any{
			"dao":       p.DAO,
			"action":    "list",
			"count":     len(active),
			"proposals": active,
		})
	}

	for _, pr := range proposals {
		if pr.ID != p.ProposalID {
			continue
		}
		if pr.Status != protocol.ProposalActive {
			return Fail(fmt.Sprintf("proposal %s is %s", pr.ID, pr.Status)), nil
		}
		return confident(map[string]any{
			"dao":          p.DAO,
			"action":       "vote",
			"proposal_id":  pr.ID,
			"title":        pr.Title,
			"support":      p.Support,
			"voting_power": p.VotingPower,
			"status":       "prepared",
		})
	}
	return Fail(fmt.Sprintf("proposal %s not found in %s", p.ProposalID, p.DAO)), nil
}
