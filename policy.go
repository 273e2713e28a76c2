package main

import "sync"

// MovementMetric is how diagonal movement is counted on square grids.
type MovementMetric string

const (
	MetricOneTwoOne   MovementMetric = "one_two_one"
	MetricOneOneOne   MovementMetric = "one_one_one"
	MetricManhattan   MovementMetric = "manhattan"
	MetricNoDiagonals MovementMetric = "no_diagonals"
)

// ServerPolicy is the session-wide rule set replicated to every client.
type ServerPolicy struct {
	StrictTokenManagement           bool           `json:"strictTokenManagement"`
	MovementLocked                  bool           `json:"movementLocked"`
	TokenEditorLocked               bool           `json:"tokenEditorLocked"`
	PlayersCanRevealVision          bool           `json:"playersCanRevealVision"`
	GMRevealsVisionForUnownedTokens bool           `json:"gmRevealsVisionForUnownedTokens"`
	UseIndividualViews              bool           `json:"useIndividualViews"`
	RestrictedImpersonation         bool           `json:"restrictedImpersonation"`
	PlayersReceiveCampaignMacros    bool           `json:"playersReceiveCampaignMacros"`
	UseToolTipsForDefaultRollFormat bool           `json:"useToolTipsForDefaultRollFormat"`
	UseIndividualFOW                bool           `json:"useIndividualFOW"`
	AutoRevealOnMovement            bool           `json:"autoRevealOnMovement"`
	IncludeOwnedNPCs                bool           `json:"includeOwnedNPCs"`
	MovementMetric                  MovementMetric `json:"movementMetric"`
	HideMapSelectUI                 bool           `json:"hideMapSelectUI"`
	DisablePlayerAssetPanel         bool           `json:"disablePlayerAssetPanel"`
	UseAstarPathfinding             bool           `json:"useAstarPathfinding"`
	VBLBlocksMove                   bool           `json:"vblBlocksMove"`
}

func DefaultServerPolicy() ServerPolicy {
	return ServerPolicy{
		IncludeOwnedNPCs:    true,
		MovementMetric:      MetricOneTwoOne,
		UseAstarPathfinding: true,
		VBLBlocksMove:       true,
	}
}

// policyHolder is the server's current policy.
type policyHolder struct {
	mu     sync.RWMutex
	policy ServerPolicy
}

func (p *policyHolder) Get() ServerPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

func (p *policyHolder) Set(sp ServerPolicy) {
	if sp.MovementMetric == "" {
		sp.MovementMetric = MetricOneTwoOne
	}
	p.mu.Lock()
	p.policy = sp
	p.mu.Unlock()
}
