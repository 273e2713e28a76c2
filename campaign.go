package main

import "encoding/json"

// MacroButton is a campaign-level macro shared with players.
type MacroButton struct {
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Command string `json:"command"`
	Group   string `json:"group,omitempty"`
	Color   string `json:"color,omitempty"`
}

// CampaignProperties are campaign-wide definitions that only clients
// interpret. The server stores and relays them.
type CampaignProperties struct {
	DefaultTokenType   string                     `json:"defaultTokenType,omitempty"`
	DefaultSightType   string                     `json:"defaultSightType,omitempty"`
	TokenTypes         map[string]json.RawMessage `json:"tokenTypes,omitempty"`
	SightTypes         map[string]json.RawMessage `json:"sightTypes,omitempty"`
	LightSources       map[string]json.RawMessage `json:"lightSources,omitempty"`
	LookupTables       map[string]json.RawMessage `json:"lookupTables,omitempty"`
	TokenStates        map[string]json.RawMessage `json:"tokenStates,omitempty"`
	TokenBars          map[string]json.RawMessage `json:"tokenBars,omitempty"`
	RemoteRepositories []string                   `json:"remoteRepositories,omitempty"`

	InitiativeOwnerPermissions bool `json:"initiativeOwnerPermissions"`
	InitiativeMovementLock     bool `json:"initiativeMovementLock"`
}

// Campaign is the whole shared document. The server holds exactly one.
type Campaign struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Zones      map[string]*Zone   `json:"zones"`
	Macros     []MacroButton      `json:"macros,omitempty"`
	GMMacros   []MacroButton      `json:"gmMacros,omitempty"`
	Properties CampaignProperties `json:"properties"`
}

// NewCampaign returns an empty campaign with one default zone.
func NewCampaign(name string) *Campaign {
	z := NewZone(NewUUID(), "Grasslands")
	return &Campaign{
		ID:    NewUUID(),
		Name:  name,
		Zones: map[string]*Zone{z.ID: z},
	}
}

func (c *Campaign) normalize() {
	if c.ID == "" {
		c.ID = NewUUID()
	}
	if c.Zones == nil {
		c.Zones = make(map[string]*Zone)
	}
	for id, z := range c.Zones {
		if z == nil {
			delete(c.Zones, id)
			continue
		}
		z.mu.Lock()
		z.ID = id
		z.normalizeLocked()
		z.mu.Unlock()
	}
}
