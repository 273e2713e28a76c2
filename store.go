package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Store holds the canonical campaign. mu guards the campaign fields and the
// zone map; each zone guards its own contents. Lock order is store then zone.
type Store struct {
	mu       sync.RWMutex
	campaign *Campaign
}

// NewStore wraps c, or a fresh campaign when c is nil.
func NewStore(c *Campaign) *Store {
	if c == nil {
		c = NewCampaign("")
	}
	c.normalize()
	return &Store{campaign: c}
}

// Zone looks up a zone by id.
func (s *Store) Zone(id string) (*Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.campaign.Zones[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	return z, nil
}

// ZoneIDs returns zone ids in a stable order.
func (s *Store) ZoneIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.campaign.Zones))
	for id := range s.campaign.Zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutZone inserts or replaces a zone.
func (s *Store) PutZone(z *Zone) {
	z.mu.Lock()
	z.normalizeLocked()
	z.mu.Unlock()

	s.mu.Lock()
	s.campaign.Zones[z.ID] = z
	s.mu.Unlock()
}

func (s *Store) RemoveZone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaign.Zones[id]; !ok {
		return false
	}
	delete(s.campaign.Zones, id)
	return true
}

// SetCampaign replaces the whole campaign.
func (s *Store) SetCampaign(c *Campaign) {
	c.normalize()
	s.mu.Lock()
	s.campaign = c
	s.mu.Unlock()
}

func (s *Store) SetCampaignName(name string) {
	s.mu.Lock()
	s.campaign.Name = name
	s.mu.Unlock()
}

func (s *Store) SetMacros(m []MacroButton) {
	s.mu.Lock()
	s.campaign.Macros = m
	s.mu.Unlock()
}

func (s *Store) SetGMMacros(m []MacroButton) {
	s.mu.Lock()
	s.campaign.GMMacros = m
	s.mu.Unlock()
}

// SetCampaignProperties replaces the campaign-wide definitions wholesale.
func (s *Store) SetCampaignProperties(p CampaignProperties) {
	s.mu.Lock()
	s.campaign.Properties = p
	s.mu.Unlock()
}

func (s *Store) CampaignProperties() CampaignProperties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaign.Properties
}

func (s *Store) CampaignName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaign.Name
}

// MarshalCampaign serializes a consistent snapshot for a late joiner. Each
// zone is captured under its own lock.
func (s *Store) MarshalCampaign() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.campaign)
	if err != nil {
		return nil, fmt.Errorf("marshal campaign: %w", err)
	}
	return data, nil
}
