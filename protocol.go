package main

import "encoding/json"

// Handshake messages
const (
	MsgHandshakeInit    = "hs_init"            // server -> client
	MsgClientInit       = "client_init"        // client -> server
	MsgUseAuth          = "use_auth"           // server -> client: challenges
	MsgClientAuth       = "client_auth"        // client -> server: response
	MsgRequestPublicKey = "request_public_key" // server -> client: easy connect pin
	MsgPublicKeyUpload  = "public_key_upload"  // client -> server
	MsgPublicKeyAdded   = "public_key_added"   // server -> client
	MsgHandshakeResult  = "hs_result"          // server -> client, always last
)

// Server -> client
const (
	MsgPlayerConnected     = "player_connected"
	MsgPlayerDisconnected  = "player_disconnected"
	MsgUpdateTokenProperty = "update_token_property"
	MsgPutAsset            = "put_asset"
	MsgApprovalRequest     = "approval_request" // to GMs, easy connect
)

// Campaign state
const (
	MsgPutToken            = "put_token"
	MsgEditToken           = "edit_token"
	MsgRemoveToken         = "remove_token"
	MsgRemoveTokens        = "remove_tokens"
	MsgBringTokensToFront  = "bring_tokens_to_front"
	MsgSendTokensToBack    = "send_tokens_to_back"
	MsgPutZone             = "put_zone"
	MsgRemoveZone          = "remove_zone"
	MsgRenameZone          = "rename_zone"
	MsgChangeZoneDispName  = "change_zone_display_name"
	MsgSetZoneVisibility   = "set_zone_visibility"
	MsgSetZoneGridSize     = "set_zone_grid_size"
	MsgSetZoneHasFow       = "set_zone_has_fow"
	MsgSetVisionType       = "set_vision_type"
	MsgAddTopology         = "add_topology"
	MsgRemoveTopology      = "remove_topology"
	MsgExposeFow           = "expose_fow"
	MsgHideFow             = "hide_fow"
	MsgSetFow              = "set_fow"
	MsgClearExposedArea    = "clear_exposed_area"
	MsgUpdateExposedArea   = "update_exposed_area_meta"
	MsgDraw                = "draw"
	MsgUndoDraw            = "undo_draw"
	MsgUpdateDrawing       = "update_drawing"
	MsgClearAllDrawings    = "clear_all_drawings"
	MsgUpdateInitiative    = "update_initiative"
	MsgUpdateTokenInit     = "update_token_initiative"
	MsgSetCampaign         = "set_campaign"
	MsgSetCampaignName     = "set_campaign_name"
	MsgUpdateCampaignMacro = "update_campaign_macros"
	MsgUpdateGMMacros      = "update_gm_macros"
	MsgSetServerPolicy     = "set_server_policy"
	MsgUpdateCampaign      = "update_campaign"
	MsgPutLabel            = "put_label"
	MsgRemoveLabel         = "remove_label"
)

// Session control
const (
	MsgUpdatePlayerStatus = "update_player_status"
	MsgBootPlayer         = "boot_player"
	MsgApprovePlayer      = "approve_player"
	MsgGetZone            = "get_zone"
	MsgGetAsset           = "get_asset"
	MsgRemoveAsset        = "remove_asset"
	MsgHeartbeat          = "heartbeat"
)

// Transient messages, relayed without touching campaign state
const (
	MsgStartTokenMove      = "start_token_move"
	MsgUpdateTokenMove     = "update_token_move"
	MsgStopTokenMove       = "stop_token_move"
	MsgToggleWaypoint      = "toggle_token_move_waypoint"
	MsgSetTokenLocation    = "set_token_location"
	MsgShowPointer         = "show_pointer"
	MsgMovePointer         = "move_pointer"
	MsgHidePointer         = "hide_pointer"
	MsgLiveTypingLabel     = "set_live_typing_label"
	MsgMessage             = "message"
	MsgExecLink            = "exec_link"
	MsgEnforceZone         = "enforce_zone"
	MsgEnforceZoneView     = "enforce_zone_view"
	MsgRestoreZoneView     = "restore_zone_view"
	MsgSetBoard            = "set_board"
	MsgEnforceNotification = "enforce_notification"
)

// Token property names accepted by update_token_property.
const (
	PropZOrder     = "z_order"
	PropPosition   = "position"
	PropName       = "name"
	PropLayer      = "layer"
	PropOwners     = "owners"
	PropOwnedByAll = "owned_by_all"
	PropHasSight   = "has_sight"
	PropImage      = "image"
)

// Envelope wraps all outgoing control messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; D is decoded once the type is known
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// ResponseCode is the outcome of a handshake.
type ResponseCode string

const (
	CodeOK               ResponseCode = "ok"
	CodeDuplicateName    ResponseCode = "duplicate_name"
	CodeWrongVersion     ResponseCode = "wrong_version"
	CodeInvalidPassword  ResponseCode = "invalid_password"
	CodeInvalidPublicKey ResponseCode = "invalid_public_key"
	CodeInvalidHandshake ResponseCode = "invalid_handshake"
	CodeTimeout          ResponseCode = "timeout"
	CodeServerDenied     ResponseCode = "server_denied"
	CodeRateLimited      ResponseCode = "rate_limited"
)

// AuthType names the challenge flavor offered in use_auth.
type AuthType string

const (
	AuthRolePass  AuthType = "role_password"
	AuthPublicKey AuthType = "public_key"
)

type HandshakeInitMsg struct {
	Fingerprint string `json:"fp"`
	Version     string `json:"ver"`
	Name        string `json:"name,omitempty"`
	EasyConnect bool   `json:"easy,omitempty"`
}

type ClientInitMsg struct {
	Name        string `json:"name"`
	Version     string `json:"ver"`
	Role        Role   `json:"role,omitempty"`
	Fingerprint string `json:"pkfp,omitempty"`
}

type ChallengeMsg struct {
	Role Role   `json:"role,omitempty"`
	Data []byte `json:"data"`
}

type UseAuthMsg struct {
	Type       AuthType       `json:"type"`
	Salt       []byte         `json:"salt,omitempty"`
	Nonce      []byte         `json:"nonce,omitempty"`
	Challenges []ChallengeMsg `json:"challenges"`
}

type ClientAuthMsg struct {
	Nonce    []byte `json:"nonce,omitempty"`
	Response []byte `json:"resp"`
}

type RequestPublicKeyMsg struct {
	Pin string `json:"pin"`
}

type PublicKeyUploadMsg struct {
	Key []byte `json:"key"`
}

type HandshakeResultMsg struct {
	Code   ResponseCode  `json:"code"`
	Msg    string        `json:"msg,omitempty"`
	Role   Role          `json:"role,omitempty"`
	Policy *ServerPolicy `json:"policy,omitempty"`
}

type ApprovalRequestMsg struct {
	Name string `json:"name"`
	Pin  string `json:"pin"`
}

type TokenPropertyUpdate struct {
	Zone     string          `json:"zone"`
	Token    string          `json:"token"`
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

type PutAssetMsg struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Data   []byte `json:"data,omitempty"`
	Broken bool   `json:"broken,omitempty"`
}

// CampaignSnapshotMsg carries an already serialized campaign; it decodes as
// SetCampaignCmd on the client.
type CampaignSnapshotMsg struct {
	Campaign json.RawMessage `json:"campaign"`
}

type ChatMsg struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// encode marshals an outgoing envelope.
func encode(t string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{T: t, Data: data})
}
