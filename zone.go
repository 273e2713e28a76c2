package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// VisionType controls how lighting and sight reveal a zone.
type VisionType string

const (
	VisionOff   VisionType = "off"
	VisionDay   VisionType = "day"
	VisionNight VisionType = "night"
)

// Layer is the drawing/token layer an element lives on.
type Layer string

const (
	LayerToken      Layer = "token"
	LayerGM         Layer = "gm"
	LayerObject     Layer = "object"
	LayerBackground Layer = "background"
)

// TopologyType selects one of the movement/vision blocking layers.
type TopologyType string

const (
	TopologyWall  TopologyType = "wall"
	TopologyHill  TopologyType = "hill"
	TopologyPit   TopologyType = "pit"
	TopologyCover TopologyType = "cover"
	TopologyMove  TopologyType = "mbl"
)

func (t TopologyType) valid() bool {
	switch t {
	case TopologyWall, TopologyHill, TopologyPit, TopologyCover, TopologyMove:
		return true
	}
	return false
}

type TokenType string

const (
	TokenPC  TokenType = "pc"
	TokenNPC TokenType = "npc"
)

// Token is a placed piece on a zone.
type Token struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	X             int               `json:"x"`
	Y             int               `json:"y"`
	ZOrder        int               `json:"z"`
	Type          TokenType         `json:"type,omitempty"`
	Layer         Layer             `json:"layer,omitempty"`
	Owners        []string          `json:"owners,omitempty"`
	OwnedByAll    bool              `json:"ownedByAll,omitempty"`
	HasSight      bool              `json:"hasSight,omitempty"`
	ExposedAreaID string            `json:"exposedAreaId,omitempty"`
	ImageAssetID  string            `json:"imageAssetId,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// IsOwner reports whether the named player owns the token.
func (t *Token) IsOwner(player string) bool {
	if t.OwnedByAll {
		return true
	}
	for _, o := range t.Owners {
		if strings.EqualFold(o, player) {
			return true
		}
	}
	return false
}

func (t *Token) clone() Token {
	c := *t
	c.Owners = slices.Clone(t.Owners)
	if t.Properties != nil {
		c.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

type Grid struct {
	Type    string `json:"type"`
	Size    int    `json:"size"`
	OffsetX int    `json:"offsetX"`
	OffsetY int    `json:"offsetY"`
	Color   string `json:"color,omitempty"`
}

type Pen struct {
	Foreground string  `json:"fg,omitempty"`
	Background string  `json:"bg,omitempty"`
	Thickness  float64 `json:"thickness"`
	Opacity    float64 `json:"opacity"`
	Eraser     bool    `json:"eraser,omitempty"`
}

// Drawable is an opaque shape; Data is carried through untouched.
type Drawable struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Layer  Layer           `json:"layer,omitempty"`
	Bounds Rect            `json:"bounds"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Label is a text marker placed on a zone.
type Label struct {
	ID              string `json:"id"`
	Text            string `json:"label"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	ShowBackground  bool   `json:"showBackground"`
	ForegroundColor string `json:"fg,omitempty"`
}

type DrawnElement struct {
	Drawable Drawable `json:"drawable"`
	Pen      Pen      `json:"pen"`
}

// FogScope carries the requester facts that decide whether fog changes land
// on the global exposed area or on per-token exposed areas.
type FogScope struct {
	Individual bool
	Strict     bool
	Player     string
	IsGM       bool
}

func (fs FogScope) allowed(t *Token) bool {
	return fs.IsGM || !fs.Strict || t.IsOwner(fs.Player)
}

// Zone is one map. Everything below mu is guarded by it.
type Zone struct {
	mu sync.Mutex

	ID              string                  `json:"id"`
	Name            string                  `json:"name"`
	PlayerAlias     string                  `json:"playerAlias,omitempty"`
	Visible         bool                    `json:"visible"`
	Grid            Grid                    `json:"grid"`
	VisionType      VisionType              `json:"visionType,omitempty"`
	HasFog          bool                    `json:"hasFog"`
	Tokens          map[string]*Token       `json:"tokens"`
	Drawables       []DrawnElement          `json:"drawables"`
	Topology        map[TopologyType]Region `json:"topology"`
	ExposedArea     Region                  `json:"exposedArea"`
	ExposedAreaMeta map[string]Region       `json:"exposedAreaMeta"`
	Labels          map[string]*Label       `json:"labels"`
	Initiative      *InitiativeList         `json:"initiative,omitempty"`
}

func NewZone(id, name string) *Zone {
	z := &Zone{ID: id, Name: name, Visible: true, VisionType: VisionOff}
	z.normalizeLocked()
	return z
}

// MarshalJSON takes the zone lock; never call it while holding z.mu.
func (z *Zone) MarshalJSON() ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	type plain Zone
	return json.Marshal((*plain)(z))
}

// normalizeLocked fills nil maps, drops initiative entries for missing tokens
// and renumbers colliding z-orders while keeping their relative order.
func (z *Zone) normalizeLocked() {
	if z.Tokens == nil {
		z.Tokens = make(map[string]*Token)
	}
	if z.Topology == nil {
		z.Topology = make(map[TopologyType]Region)
	}
	if z.ExposedAreaMeta == nil {
		z.ExposedAreaMeta = make(map[string]Region)
	}
	if z.Labels == nil {
		z.Labels = make(map[string]*Label)
	}
	for id, l := range z.Labels {
		if l == nil {
			delete(z.Labels, id)
			continue
		}
		l.ID = id
	}
	for id, t := range z.Tokens {
		if t == nil {
			delete(z.Tokens, id)
			continue
		}
		t.ID = id
	}
	if z.Initiative != nil {
		z.Initiative.ZoneID = z.ID
		z.Initiative.retain(func(tokenID string) bool { return z.Tokens[tokenID] != nil })
	}

	toks := z.sortedLocked()
	for i := 1; i < len(toks); i++ {
		if toks[i].ZOrder <= toks[i-1].ZOrder {
			toks[i].ZOrder = toks[i-1].ZOrder + 1
		}
	}
}

func (z *Zone) sortedLocked() []*Token {
	toks := make([]*Token, 0, len(z.Tokens))
	for _, t := range z.Tokens {
		toks = append(toks, t)
	}
	sort.Slice(toks, func(i, j int) bool {
		if toks[i].ZOrder != toks[j].ZOrder {
			return toks[i].ZOrder < toks[j].ZOrder
		}
		return toks[i].ID < toks[j].ID
	})
	return toks
}

// largestZLocked returns 0 for an empty zone.
func (z *Zone) largestZLocked() int {
	first, largest := true, 0
	for _, t := range z.Tokens {
		if first || t.ZOrder > largest {
			largest, first = t.ZOrder, false
		}
	}
	return largest
}

// smallestZLocked returns 0 for an empty zone.
func (z *Zone) smallestZLocked() int {
	first, smallest := true, 0
	for _, t := range z.Tokens {
		if first || t.ZOrder < smallest {
			smallest, first = t.ZOrder, false
		}
	}
	return smallest
}

// PutToken inserts or replaces a token. A new token is placed above every
// existing one; an existing token keeps its current z-order. The stored copy
// is returned.
func (z *Zone) PutToken(t Token) (stored Token, created bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	nt := t.clone()
	if old, ok := z.Tokens[t.ID]; ok {
		nt.ZOrder = old.ZOrder
	} else {
		nt.ZOrder = z.largestZLocked() + 1
		created = true
	}
	if nt.ExposedAreaID == "" {
		nt.ExposedAreaID = NewUUID()
	}
	z.Tokens[nt.ID] = &nt
	return nt.clone(), created
}

func (z *Zone) Token(id string) (Token, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	t, ok := z.Tokens[id]
	if !ok {
		return Token{}, false
	}
	return t.clone(), true
}

// RemoveToken deletes a token and its initiative entries.
func (z *Zone) RemoveToken(id string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	t, ok := z.Tokens[id]
	if !ok {
		return false
	}
	delete(z.Tokens, id)
	delete(z.ExposedAreaMeta, t.ExposedAreaID)
	if z.Initiative != nil {
		z.Initiative.retain(func(tokenID string) bool { return tokenID != id })
	}
	return true
}

// TokensByZOrder returns copies of all tokens, back to front.
func (z *Zone) TokensByZOrder() []Token {
	z.mu.Lock()
	defer z.mu.Unlock()
	toks := z.sortedLocked()
	out := make([]Token, len(toks))
	for i, t := range toks {
		out[i] = t.clone()
	}
	return out
}

func (z *Zone) selectLocked(ids []string) []*Token {
	seen := make(map[string]bool, len(ids))
	var toks []*Token
	for _, id := range ids {
		t, ok := z.Tokens[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		toks = append(toks, t)
	}
	sort.SliceStable(toks, func(i, j int) bool { return toks[i].ZOrder < toks[j].ZOrder })
	return toks
}

// BringToFront moves the named tokens above every other token, keeping their
// relative order. Unknown ids are skipped. The updated tokens are returned.
func (z *Zone) BringToFront(ids []string) []Token {
	z.mu.Lock()
	defer z.mu.Unlock()
	toks := z.selectLocked(ids)
	next := z.largestZLocked() + 1
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		t.ZOrder = next
		next++
		out = append(out, t.clone())
	}
	return out
}

// SendToBack moves the named tokens below every other token, keeping their
// relative order.
func (z *Zone) SendToBack(ids []string) []Token {
	z.mu.Lock()
	defer z.mu.Unlock()
	toks := z.selectLocked(ids)
	next := z.smallestZLocked() - len(toks)
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		t.ZOrder = next
		next++
		out = append(out, t.clone())
	}
	return out
}

// UpdateTokenProperty applies a single named property change.
func (z *Zone) UpdateTokenProperty(tokenID, property string, value json.RawMessage) (Token, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	t, ok := z.Tokens[tokenID]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, tokenID)
	}
	var err error
	switch property {
	case PropPosition:
		var p struct{ X, Y int }
		if err = json.Unmarshal(value, &p); err == nil {
			t.X, t.Y = p.X, p.Y
		}
	case PropName:
		err = json.Unmarshal(value, &t.Name)
	case PropLayer:
		err = json.Unmarshal(value, &t.Layer)
	case PropOwners:
		err = json.Unmarshal(value, &t.Owners)
	case PropOwnedByAll:
		err = json.Unmarshal(value, &t.OwnedByAll)
	case PropHasSight:
		err = json.Unmarshal(value, &t.HasSight)
	case PropImage:
		err = json.Unmarshal(value, &t.ImageAssetID)
	default:
		return Token{}, fmt.Errorf("unsupported token property %q", property)
	}
	if err != nil {
		return Token{}, fmt.Errorf("decode %s: %w", property, err)
	}
	return t.clone(), nil
}

func (z *Zone) Rename(name string) {
	z.mu.Lock()
	z.Name = name
	z.mu.Unlock()
}

func (z *Zone) SetPlayerAlias(alias string) {
	z.mu.Lock()
	z.PlayerAlias = alias
	z.mu.Unlock()
}

func (z *Zone) SetVisible(v bool) {
	z.mu.Lock()
	z.Visible = v
	z.mu.Unlock()
}

func (z *Zone) SetGrid(g Grid) {
	z.mu.Lock()
	z.Grid = g
	z.mu.Unlock()
}

func (z *Zone) SetHasFog(v bool) {
	z.mu.Lock()
	z.HasFog = v
	z.mu.Unlock()
}

func (z *Zone) SetVisionType(v VisionType) {
	z.mu.Lock()
	z.VisionType = v
	z.mu.Unlock()
}

// Drawings

func (z *Zone) AddDrawable(d DrawnElement) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.Drawables {
		if z.Drawables[i].Drawable.ID == d.Drawable.ID {
			z.Drawables[i] = d
			return
		}
	}
	z.Drawables = append(z.Drawables, d)
}

func (z *Zone) UpdateDrawable(d DrawnElement) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.Drawables {
		if z.Drawables[i].Drawable.ID == d.Drawable.ID {
			z.Drawables[i] = d
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownDrawable, d.Drawable.ID)
}

func (z *Zone) RemoveDrawable(id string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.Drawables {
		if z.Drawables[i].Drawable.ID == id {
			z.Drawables = slices.Delete(z.Drawables, i, i+1)
			return true
		}
	}
	return false
}

// ClearDrawables removes every drawing on layer, or all drawings when layer
// is empty.
func (z *Zone) ClearDrawables(layer Layer) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if layer == "" {
		z.Drawables = nil
		return
	}
	z.Drawables = slices.DeleteFunc(z.Drawables, func(d DrawnElement) bool {
		return d.Drawable.Layer == layer
	})
}

// Labels

// PutLabel inserts or replaces a label.
func (z *Zone) PutLabel(l Label) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.Labels[l.ID] = &l
}

func (z *Zone) RemoveLabel(id string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.Labels[id]; !ok {
		return false
	}
	delete(z.Labels, id)
	return true
}

func (z *Zone) Label(id string) (Label, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	l, ok := z.Labels[id]
	if !ok {
		return Label{}, false
	}
	return *l, true
}

// Topology

func (z *Zone) AddTopology(area Region, typ TopologyType) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.Topology[typ] = z.Topology[typ].Union(area)
}

func (z *Zone) RemoveTopology(area Region, typ TopologyType) {
	z.mu.Lock()
	defer z.mu.Unlock()
	r := z.Topology[typ].Subtract(area)
	if r.IsEmpty() {
		delete(z.Topology, typ)
		return
	}
	z.Topology[typ] = r
}

func (z *Zone) topologyOf(typ TopologyType) Region {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.Topology[typ]
}

// Fog of war

// ExposeArea reveals area globally, or per selected token when individual
// fog is in effect and the zone has vision on.
func (z *Zone) ExposeArea(area Region, tokenIDs []string, fs FogScope) {
	if area.IsEmpty() {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.VisionType == VisionOff || len(tokenIDs) == 0 || !fs.Individual {
		z.ExposedArea = z.ExposedArea.Union(area)
		return
	}
	for _, id := range tokenIDs {
		t, ok := z.Tokens[id]
		if !ok || !t.HasSight || !fs.allowed(t) {
			continue
		}
		z.ExposedAreaMeta[t.ExposedAreaID] = z.ExposedAreaMeta[t.ExposedAreaID].Union(area)
	}
}

func (z *Zone) HideArea(area Region, tokenIDs []string, fs FogScope) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.VisionType == VisionOff || len(tokenIDs) == 0 || !fs.Individual {
		z.ExposedArea = z.ExposedArea.Subtract(area)
		return
	}
	for _, id := range tokenIDs {
		t, ok := z.Tokens[id]
		if !ok || !t.HasSight || !fs.allowed(t) {
			continue
		}
		z.ExposedAreaMeta[t.ExposedAreaID] = z.ExposedAreaMeta[t.ExposedAreaID].Subtract(area)
	}
}

// SetFogArea replaces the exposed area (global, or per selected token).
func (z *Zone) SetFogArea(area Region, tokenIDs []string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(tokenIDs) == 0 {
		z.ExposedArea = area
		return
	}
	for _, id := range tokenIDs {
		t, ok := z.Tokens[id]
		if !ok || !t.HasSight {
			continue
		}
		z.ExposedAreaMeta[t.ExposedAreaID] = area
	}
}

func (z *Zone) ClearExposedArea(globalOnly bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.ExposedArea = Region{}
	if !globalOnly {
		clear(z.ExposedAreaMeta)
	}
}

func (z *Zone) SetExposedAreaMeta(exposedAreaID string, area Region) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if area.IsEmpty() {
		delete(z.ExposedAreaMeta, exposedAreaID)
		return
	}
	z.ExposedAreaMeta[exposedAreaID] = area
}

// Exposed returns the global exposed area and, when tokenID is set, that
// token's own exposed area.
func (z *Zone) Exposed(tokenID string) (global, token Region) {
	z.mu.Lock()
	defer z.mu.Unlock()
	global = z.ExposedArea
	if t, ok := z.Tokens[tokenID]; ok {
		token = z.ExposedAreaMeta[t.ExposedAreaID]
	}
	return global, token
}

// Initiative

// SetInitiative replaces the initiative list. Entries for tokens not on this
// zone are dropped.
func (z *Zone) SetInitiative(l *InitiativeList) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if l == nil {
		z.Initiative = nil
		return
	}
	cp := l.clone()
	cp.ZoneID = z.ID
	cp.retain(func(tokenID string) bool { return z.Tokens[tokenID] != nil })
	z.Initiative = cp
}

func (z *Zone) SetInitiativeOwnerPermissions(v bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.Initiative == nil {
		z.Initiative = &InitiativeList{ZoneID: z.ID}
	}
	z.Initiative.OwnerPermissions = v
}

func (z *Zone) UpdateTokenInitiative(index int, ti TokenInitiative) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.Initiative == nil {
		return fmt.Errorf("%w: zone %s has no initiative list", ErrStaleInitiative, z.ID)
	}
	return z.Initiative.update(index, ti)
}

func (z *Zone) InitiativeSnapshot() *InitiativeList {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.Initiative == nil {
		return nil
	}
	return z.Initiative.clone()
}
