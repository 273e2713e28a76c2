package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is a decoded inbound message. The set is closed: only types in
// this file implement it.
type Command interface {
	command()
}

type PutTokenCmd struct {
	Zone  string `json:"zone"`
	Token Token  `json:"token"`
	Edit  bool   `json:"-"`
}

type RemoveTokensCmd struct {
	Zone   string   `json:"zone"`
	Tokens []string `json:"tokens"`
}

// RemoveTokenCmd carries a single id; it is answered like RemoveTokensCmd.
type RemoveTokenCmd struct {
	Zone  string `json:"zone"`
	Token string `json:"token"`
}

type TokenOrderCmd struct {
	Zone   string   `json:"zone"`
	Tokens []string `json:"tokens"`
	Front  bool     `json:"-"`
}

type TokenPropertyCmd TokenPropertyUpdate

type PutZoneCmd struct {
	Zone *Zone `json:"zone"`
}

type RemoveZoneCmd struct {
	Zone string `json:"zone"`
}

type RenameZoneCmd struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

type ZoneDisplayNameCmd struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

type ZoneVisibilityCmd struct {
	Zone    string `json:"zone"`
	Visible bool   `json:"visible"`
}

type ZoneGridCmd struct {
	Zone string `json:"zone"`
	Grid Grid   `json:"grid"`
}

type ZoneHasFowCmd struct {
	Zone   string `json:"zone"`
	HasFog bool   `json:"hasFog"`
}

type VisionTypeCmd struct {
	Zone   string     `json:"zone"`
	Vision VisionType `json:"vision"`
}

type TopologyCmd struct {
	Zone   string       `json:"zone"`
	Area   Region       `json:"area"`
	Type   TopologyType `json:"type"`
	Remove bool         `json:"-"`
}

type fogArea struct {
	Zone   string   `json:"zone"`
	Area   Region   `json:"area"`
	Tokens []string `json:"tokens,omitempty"`
}

type ExposeFowCmd fogArea
type HideFowCmd fogArea
type SetFowCmd fogArea

type ClearExposedAreaCmd struct {
	Zone       string `json:"zone"`
	GlobalOnly bool   `json:"globalOnly"`
}

type ExposedAreaMetaCmd struct {
	Zone          string `json:"zone"`
	ExposedAreaID string `json:"exposedAreaId"`
	Area          Region `json:"area"`
}

type drawing struct {
	Zone     string   `json:"zone"`
	Pen      Pen      `json:"pen"`
	Drawable Drawable `json:"drawable"`
}

type DrawCmd drawing
type UpdateDrawingCmd drawing

type UndoDrawCmd struct {
	Zone     string `json:"zone"`
	Drawable string `json:"drawable"`
}

type ClearDrawingsCmd struct {
	Zone  string `json:"zone"`
	Layer Layer  `json:"layer,omitempty"`
}

type InitiativeCmd struct {
	Zone            string          `json:"zone"`
	List            *InitiativeList `json:"list,omitempty"`
	OwnerPermission *bool           `json:"ownerPermission,omitempty"`
}

type TokenInitiativeCmd struct {
	Zone    string  `json:"zone"`
	Token   string  `json:"token"`
	Holding bool    `json:"holding"`
	State   *string `json:"state,omitempty"`
	Index   int     `json:"index"`
}

type SetCampaignCmd struct {
	Campaign *Campaign `json:"campaign"`
}

type CampaignPropertiesCmd struct {
	Properties CampaignProperties `json:"properties"`
}

type PutLabelCmd struct {
	Zone  string `json:"zone"`
	Label Label  `json:"label"`
}

type RemoveLabelCmd struct {
	Zone  string `json:"zone"`
	Label string `json:"label"`
}

type CampaignNameCmd struct {
	Name string `json:"name"`
}

type MacrosCmd struct {
	Macros []MacroButton `json:"macros"`
	GM     bool          `json:"-"`
}

type ServerPolicyCmd struct {
	Policy ServerPolicy `json:"policy"`
}

type PlayerStatusCmd struct {
	Name   string `json:"name"`
	Zone   string `json:"zone"`
	Loaded bool   `json:"loaded"`
}

type BootPlayerCmd struct {
	Name string `json:"name"`
}

type ApprovePlayerCmd struct {
	Name    string `json:"name"`
	Pin     string `json:"pin"`
	Approve bool   `json:"approve"`
}

type GetZoneCmd struct {
	Zone string `json:"zone"`
}

type GetAssetCmd struct {
	ID string `json:"id"`
}

type PutAssetCmd PutAssetMsg

type RemoveAssetCmd struct {
	ID string `json:"id"`
}

type HeartbeatCmd struct{}

// ForwardCmd is a transient message relayed verbatim.
type ForwardCmd struct {
	Type  string
	Raw   []byte
	ToAll bool
}

func (*PutTokenCmd) command()           {}
func (*RemoveTokensCmd) command()       {}
func (*RemoveTokenCmd) command()        {}
func (*TokenOrderCmd) command()         {}
func (*TokenPropertyCmd) command()      {}
func (*PutZoneCmd) command()            {}
func (*RemoveZoneCmd) command()         {}
func (*RenameZoneCmd) command()         {}
func (*ZoneDisplayNameCmd) command()    {}
func (*ZoneVisibilityCmd) command()     {}
func (*ZoneGridCmd) command()           {}
func (*ZoneHasFowCmd) command()         {}
func (*VisionTypeCmd) command()         {}
func (*TopologyCmd) command()           {}
func (*ExposeFowCmd) command()          {}
func (*HideFowCmd) command()            {}
func (*SetFowCmd) command()             {}
func (*ClearExposedAreaCmd) command()   {}
func (*ExposedAreaMetaCmd) command()    {}
func (*DrawCmd) command()               {}
func (*UpdateDrawingCmd) command()      {}
func (*UndoDrawCmd) command()           {}
func (*ClearDrawingsCmd) command()      {}
func (*InitiativeCmd) command()         {}
func (*TokenInitiativeCmd) command()    {}
func (*SetCampaignCmd) command()        {}
func (*CampaignNameCmd) command()       {}
func (*CampaignPropertiesCmd) command() {}
func (*PutLabelCmd) command()           {}
func (*RemoveLabelCmd) command()        {}
func (*MacrosCmd) command()             {}
func (*ServerPolicyCmd) command()       {}
func (*PlayerStatusCmd) command()       {}
func (*BootPlayerCmd) command()         {}
func (*ApprovePlayerCmd) command()      {}
func (*GetZoneCmd) command()            {}
func (*GetAssetCmd) command()           {}
func (*PutAssetCmd) command()           {}
func (*RemoveAssetCmd) command()        {}
func (*HeartbeatCmd) command()          {}
func (*ForwardCmd) command()            {}

var commandTypes = map[string]func() Command{
	MsgPutToken:            func() Command { return &PutTokenCmd{} },
	MsgEditToken:           func() Command { return &PutTokenCmd{Edit: true} },
	MsgRemoveToken:         func() Command { return &RemoveTokenCmd{} },
	MsgRemoveTokens:        func() Command { return &RemoveTokensCmd{} },
	MsgBringTokensToFront:  func() Command { return &TokenOrderCmd{Front: true} },
	MsgSendTokensToBack:    func() Command { return &TokenOrderCmd{} },
	MsgUpdateTokenProperty: func() Command { return &TokenPropertyCmd{} },
	MsgPutZone:             func() Command { return &PutZoneCmd{} },
	MsgRemoveZone:          func() Command { return &RemoveZoneCmd{} },
	MsgRenameZone:          func() Command { return &RenameZoneCmd{} },
	MsgChangeZoneDispName:  func() Command { return &ZoneDisplayNameCmd{} },
	MsgSetZoneVisibility:   func() Command { return &ZoneVisibilityCmd{} },
	MsgSetZoneGridSize:     func() Command { return &ZoneGridCmd{} },
	MsgSetZoneHasFow:       func() Command { return &ZoneHasFowCmd{} },
	MsgSetVisionType:       func() Command { return &VisionTypeCmd{} },
	MsgAddTopology:         func() Command { return &TopologyCmd{} },
	MsgRemoveTopology:      func() Command { return &TopologyCmd{Remove: true} },
	MsgExposeFow:           func() Command { return &ExposeFowCmd{} },
	MsgHideFow:             func() Command { return &HideFowCmd{} },
	MsgSetFow:              func() Command { return &SetFowCmd{} },
	MsgClearExposedArea:    func() Command { return &ClearExposedAreaCmd{} },
	MsgUpdateExposedArea:   func() Command { return &ExposedAreaMetaCmd{} },
	MsgDraw:                func() Command { return &DrawCmd{} },
	MsgUpdateDrawing:       func() Command { return &UpdateDrawingCmd{} },
	MsgUndoDraw:            func() Command { return &UndoDrawCmd{} },
	MsgClearAllDrawings:    func() Command { return &ClearDrawingsCmd{} },
	MsgUpdateInitiative:    func() Command { return &InitiativeCmd{} },
	MsgUpdateTokenInit:     func() Command { return &TokenInitiativeCmd{} },
	MsgSetCampaign:         func() Command { return &SetCampaignCmd{} },
	MsgSetCampaignName:     func() Command { return &CampaignNameCmd{} },
	MsgUpdateCampaignMacro: func() Command { return &MacrosCmd{} },
	MsgUpdateGMMacros:      func() Command { return &MacrosCmd{GM: true} },
	MsgSetServerPolicy:     func() Command { return &ServerPolicyCmd{} },
	MsgUpdateCampaign:      func() Command { return &CampaignPropertiesCmd{} },
	MsgPutLabel:            func() Command { return &PutLabelCmd{} },
	MsgRemoveLabel:         func() Command { return &RemoveLabelCmd{} },
	MsgUpdatePlayerStatus:  func() Command { return &PlayerStatusCmd{} },
	MsgBootPlayer:          func() Command { return &BootPlayerCmd{} },
	MsgApprovePlayer:       func() Command { return &ApprovePlayerCmd{} },
	MsgGetZone:             func() Command { return &GetZoneCmd{} },
	MsgGetAsset:            func() Command { return &GetAssetCmd{} },
	MsgPutAsset:            func() Command { return &PutAssetCmd{} },
	MsgRemoveAsset:         func() Command { return &RemoveAssetCmd{} },
	MsgHeartbeat:           func() Command { return &HeartbeatCmd{} },
}

// forwardTypes maps relay-only messages to whether the sender gets its own
// copy back.
var forwardTypes = map[string]bool{
	MsgShowPointer:         true,
	MsgMovePointer:         true,
	MsgHidePointer:         true,
	MsgStartTokenMove:      false,
	MsgUpdateTokenMove:     false,
	MsgStopTokenMove:       false,
	MsgToggleWaypoint:      false,
	MsgSetTokenLocation:    false,
	MsgLiveTypingLabel:     false,
	MsgMessage:             false,
	MsgExecLink:            false,
	MsgEnforceZone:         false,
	MsgEnforceZoneView:     false,
	MsgRestoreZoneView:     false,
	MsgSetBoard:            false,
	MsgEnforceNotification: false,
}

var errUnknownMessage = errors.New("unknown message type")

// DecodeCommand turns a raw inbound frame into a Command.
func DecodeCommand(raw []byte) (string, Command, error) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if toAll, ok := forwardTypes[env.T]; ok {
		return env.T, &ForwardCmd{Type: env.T, Raw: raw, ToAll: toAll}, nil
	}
	newCmd, ok := commandTypes[env.T]
	if !ok {
		return env.T, nil, fmt.Errorf("%w: %q", errUnknownMessage, env.T)
	}
	cmd := newCmd()
	if len(env.D) > 0 {
		if err := json.Unmarshal(env.D, cmd); err != nil {
			return env.T, nil, fmt.Errorf("decode %s: %w", env.T, err)
		}
	}
	return env.T, cmd, nil
}
