package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var errNotPermitted = errors.New("not permitted")

// RequestContext identifies who sent a command.
type RequestContext struct {
	ConnID string
	Player Player
}

func (rc RequestContext) fields() logrus.Fields {
	return logrus.Fields{"conn": rc.ConnID, "player": rc.Player.Name}
}

// Dispatcher applies commands to the campaign and rebroadcasts them. It is
// shared by every connection.
type Dispatcher struct {
	hub    *Hub
	store  *Store
	policy *policyHolder
	assets *AssetPump
	db     *DB
}

func NewDispatcher(hub *Hub, store *Store, policy *policyHolder, assets *AssetPump, db *DB) *Dispatcher {
	return &Dispatcher{hub: hub, store: store, policy: policy, assets: assets, db: db}
}

// Handle decodes a raw frame from an authenticated connection and dispatches
// it. Failures are logged and the message dropped; the connection stays up.
func (d *Dispatcher) Handle(ctx context.Context, rc RequestContext, raw []byte) {
	t, cmd, err := DecodeCommand(raw)
	if err != nil {
		Log.WithFields(rc.fields()).WithError(err).Warn("dropping message")
		return
	}
	if err := d.Dispatch(ctx, rc, cmd); err != nil {
		Log.WithFields(rc.fields()).WithField("type", t).WithError(err).Warn("command rejected")
	}
}

func (d *Dispatcher) toOthers(rc RequestContext, t string, data interface{}) {
	d.hub.Broadcast(t, data, rc.ConnID)
}

func (d *Dispatcher) toAll(t string, data interface{}) {
	d.hub.Broadcast(t, data, "")
}

func requireGM(rc RequestContext) error {
	if !rc.Player.IsGM() {
		return fmt.Errorf("%w: %s is not a GM", errNotPermitted, rc.Player.Name)
	}
	return nil
}

func (d *Dispatcher) fogScope(rc RequestContext) FogScope {
	p := d.policy.Get()
	return FogScope{
		Individual: p.UseIndividualFOW,
		Strict:     p.StrictTokenManagement,
		Player:     rc.Player.Name,
		IsGM:       rc.Player.IsGM(),
	}
}

// Dispatch applies one command. No store or zone lock is held while
// messages are queued to peers.
func (d *Dispatcher) Dispatch(ctx context.Context, rc RequestContext, cmd Command) error {
	switch c := cmd.(type) {
	case *PutTokenCmd:
		return d.putToken(rc, c)

	case *RemoveTokenCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		if !z.RemoveToken(c.Token) {
			return fmt.Errorf("%w: %s", ErrUnknownToken, c.Token)
		}
		d.toOthers(rc, MsgRemoveToken, c)

	case *RemoveTokensCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		removed := make([]string, 0, len(c.Tokens))
		for _, id := range c.Tokens {
			if z.RemoveToken(id) {
				removed = append(removed, id)
			}
		}
		if len(removed) == 0 {
			return fmt.Errorf("%w: none of %v", ErrUnknownToken, c.Tokens)
		}
		d.toOthers(rc, MsgRemoveTokens, RemoveTokensCmd{Zone: c.Zone, Tokens: removed})

	case *TokenOrderCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		var updated []Token
		if c.Front {
			updated = z.BringToFront(c.Tokens)
		} else {
			updated = z.SendToBack(c.Tokens)
		}
		for _, t := range updated {
			d.toAll(MsgPutToken, PutTokenCmd{Zone: c.Zone, Token: t})
		}

	case *TokenPropertyCmd:
		if c.Property == PropZOrder {
			return fmt.Errorf("%w: clients cannot set z-order", errNotPermitted)
		}
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		if _, err := z.UpdateTokenProperty(c.Token, c.Property, c.Value); err != nil {
			return err
		}
		d.toOthers(rc, MsgUpdateTokenProperty, c)

	case *PutZoneCmd:
		if c.Zone == nil || c.Zone.ID == "" {
			return fmt.Errorf("%w: put_zone without zone", ErrUnknownZone)
		}
		d.store.PutZone(c.Zone)
		d.toOthers(rc, MsgPutZone, c)

	case *RemoveZoneCmd:
		if !d.store.RemoveZone(c.Zone) {
			return fmt.Errorf("%w: %s", ErrUnknownZone, c.Zone)
		}
		d.toOthers(rc, MsgRemoveZone, c)

	case *RenameZoneCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.Rename(c.Name)
		d.toAll(MsgRenameZone, c)

	case *ZoneDisplayNameCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetPlayerAlias(c.Name)
		d.toAll(MsgChangeZoneDispName, c)

	case *ZoneVisibilityCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetVisible(c.Visible)
		d.toAll(MsgSetZoneVisibility, c)

	case *ZoneGridCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetGrid(c.Grid)
		d.toAll(MsgSetZoneGridSize, c)

	case *ZoneHasFowCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetHasFog(c.HasFog)
		d.toAll(MsgSetZoneHasFow, c)

	case *VisionTypeCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetVisionType(c.Vision)
		d.toAll(MsgSetVisionType, c)

	case *TopologyCmd:
		if !c.Type.valid() {
			return fmt.Errorf("unknown topology type %q", c.Type)
		}
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		if c.Remove {
			z.RemoveTopology(c.Area, c.Type)
			d.toOthers(rc, MsgRemoveTopology, c)
		} else {
			z.AddTopology(c.Area, c.Type)
			d.toOthers(rc, MsgAddTopology, c)
		}

	case *ExposeFowCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.ExposeArea(c.Area, c.Tokens, d.fogScope(rc))
		d.toOthers(rc, MsgExposeFow, c)

	case *HideFowCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.HideArea(c.Area, c.Tokens, d.fogScope(rc))
		d.toAll(MsgHideFow, c)

	case *SetFowCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetFogArea(c.Area, c.Tokens)
		d.toAll(MsgSetFow, c)

	case *ClearExposedAreaCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.ClearExposedArea(c.GlobalOnly)
		d.toOthers(rc, MsgClearExposedArea, c)

	case *ExposedAreaMetaCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.SetExposedAreaMeta(c.ExposedAreaID, c.Area)
		d.toOthers(rc, MsgUpdateExposedArea, c)

	case *DrawCmd:
		// relayed before it is stored
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		d.toAll(MsgDraw, c)
		z.AddDrawable(DrawnElement{Drawable: c.Drawable, Pen: c.Pen})

	case *UndoDrawCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		d.toAll(MsgUndoDraw, c)
		if !z.RemoveDrawable(c.Drawable) {
			return fmt.Errorf("%w: %s", ErrUnknownDrawable, c.Drawable)
		}

	case *UpdateDrawingCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		if err := z.UpdateDrawable(DrawnElement{Drawable: c.Drawable, Pen: c.Pen}); err != nil {
			return err
		}
		d.toAll(MsgUpdateDrawing, c)

	case *ClearDrawingsCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.ClearDrawables(c.Layer)
		d.toAll(MsgClearAllDrawings, c)

	case *InitiativeCmd:
		return d.updateInitiative(c)

	case *TokenInitiativeCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		ti := TokenInitiative{TokenID: c.Token, Holding: c.Holding, State: c.State}
		if err := z.UpdateTokenInitiative(c.Index, ti); err != nil {
			return err
		}
		d.toAll(MsgUpdateTokenInit, c)

	case *SetCampaignCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		if c.Campaign == nil {
			return errors.New("set_campaign without campaign")
		}
		d.store.SetCampaign(c.Campaign)
		d.toOthers(rc, MsgSetCampaign, c)

	case *CampaignNameCmd:
		d.store.SetCampaignName(c.Name)
		d.toOthers(rc, MsgSetCampaignName, c)

	case *CampaignPropertiesCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		d.store.SetCampaignProperties(c.Properties)
		d.toOthers(rc, MsgUpdateCampaign, c)

	case *PutLabelCmd:
		if c.Label.ID == "" {
			return fmt.Errorf("%w: label without id", ErrUnknownLabel)
		}
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		z.PutLabel(c.Label)
		d.toOthers(rc, MsgPutLabel, c)

	case *RemoveLabelCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		if !z.RemoveLabel(c.Label) {
			return fmt.Errorf("%w: %s", ErrUnknownLabel, c.Label)
		}
		d.toAll(MsgRemoveLabel, c)

	case *MacrosCmd:
		if c.GM {
			if err := requireGM(rc); err != nil {
				return err
			}
			d.store.SetGMMacros(c.Macros)
			d.toOthers(rc, MsgUpdateGMMacros, c)
			return nil
		}
		d.store.SetMacros(c.Macros)
		d.toOthers(rc, MsgUpdateCampaignMacro, c)

	case *ServerPolicyCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		d.policy.Set(c.Policy)
		d.toOthers(rc, MsgSetServerPolicy, ServerPolicyCmd{Policy: d.policy.Get()})

	case *PlayerStatusCmd:
		if !rc.Player.Same(c.Name) && !rc.Player.IsGM() {
			return fmt.Errorf("%w: status of %s", errNotPermitted, c.Name)
		}
		tp, ok := d.hub.UpdatePlayerStatus(c.Name, c.Zone, c.Loaded)
		if !ok {
			return fmt.Errorf("unknown player %s", c.Name)
		}
		d.toOthers(rc, MsgUpdatePlayerStatus, tp)

	case *BootPlayerCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		d.toOthers(rc, MsgBootPlayer, c)
		if !d.hub.BootPlayer(c.Name) {
			return fmt.Errorf("unknown player %s", c.Name)
		}
		d.hub.journal.Track(EvtPlayerBooted, c.Name, rc.ConnID, "by "+rc.Player.Name)
		Log.WithFields(rc.fields()).WithField("booted", c.Name).Info("player booted")

	case *ApprovePlayerCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		if !d.hub.ResolveApproval(c.Name, c.Pin, c.Approve) {
			return fmt.Errorf("no pending approval for %s", c.Name)
		}

	case *GetZoneCmd:
		z, err := d.store.Zone(c.Zone)
		if err != nil {
			return err
		}
		d.hub.SendTo(rc.ConnID, MsgPutZone, PutZoneCmd{Zone: z})

	case *GetAssetCmd:
		return d.getAsset(ctx, rc, c.ID)

	case *PutAssetCmd:
		if len(c.Data) == 0 {
			return errors.New("put_asset without data")
		}
		id := AssetID(c.Data)
		if c.ID != "" && c.ID != id {
			return fmt.Errorf("asset id %s does not match content %s", c.ID, id)
		}
		if err := d.db.PutAsset(ctx, id, c.Name, c.Data); err != nil {
			return fmt.Errorf("store asset: %w", err)
		}

	case *RemoveAssetCmd:
		if err := requireGM(rc); err != nil {
			return err
		}
		has, err := d.db.HasAsset(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("look up asset: %w", err)
		}
		if !has {
			return fmt.Errorf("remove unknown asset %s", c.ID)
		}
		if err := d.db.RemoveAsset(ctx, c.ID); err != nil {
			return fmt.Errorf("remove asset: %w", err)
		}

	case *HeartbeatCmd:

	case *ForwardCmd:
		exclude := rc.ConnID
		if c.ToAll {
			exclude = ""
		}
		d.hub.BroadcastRaw(c.Raw, exclude)

	default:
		return fmt.Errorf("%w: %T", errUnknownMessage, cmd)
	}
	return nil
}

// putToken stores a token. The sender is only told the z-order the server
// chose; everyone else gets the canonical token.
func (d *Dispatcher) putToken(rc RequestContext, c *PutTokenCmd) error {
	if c.Token.ID == "" {
		return fmt.Errorf("%w: token without id", ErrUnknownToken)
	}
	z, err := d.store.Zone(c.Zone)
	if err != nil {
		return err
	}
	stored, created := z.PutToken(c.Token)
	if created || stored.ZOrder != c.Token.ZOrder {
		zo, _ := json.Marshal(stored.ZOrder)
		d.hub.SendTo(rc.ConnID, MsgUpdateTokenProperty, TokenPropertyUpdate{
			Zone:     c.Zone,
			Token:    stored.ID,
			Property: PropZOrder,
			Value:    zo,
		})
	}
	t := MsgPutToken
	if c.Edit {
		t = MsgEditToken
	}
	d.toOthers(rc, t, PutTokenCmd{Zone: c.Zone, Token: stored})
	return nil
}

func (d *Dispatcher) updateInitiative(c *InitiativeCmd) error {
	zoneID := c.Zone
	if c.List != nil && c.List.ZoneID != "" {
		zoneID = c.List.ZoneID
	}
	z, err := d.store.Zone(zoneID)
	if err != nil {
		return err
	}
	switch {
	case c.List != nil:
		z.SetInitiative(c.List)
	case c.OwnerPermission != nil:
		z.SetInitiativeOwnerPermissions(*c.OwnerPermission)
	default:
		return errors.New("update_initiative without list or owner permission")
	}
	out := InitiativeCmd{Zone: zoneID, OwnerPermission: c.OwnerPermission}
	if c.List != nil {
		out.List = z.InitiativeSnapshot()
	}
	d.toAll(MsgUpdateInitiative, out)
	return nil
}

// getAsset queues the asset for the requester, or answers with a broken
// put_asset when it is not cached.
func (d *Dispatcher) getAsset(ctx context.Context, rc RequestContext, id string) error {
	row, err := d.db.GetAsset(ctx, id)
	if err != nil {
		return fmt.Errorf("load asset %s: %w", id, err)
	}
	if row == nil {
		d.hub.SendTo(rc.ConnID, MsgPutAsset, PutAssetMsg{ID: id, Broken: true})
		return nil
	}
	prod := NewAssetProducer(row.ID, row.Name, int64(len(row.Data)), bytes.NewReader(row.Data))
	if err := d.assets.AddProducer(rc.ConnID, prod); err != nil {
		return err
	}
	d.hub.journal.Track(EvtAssetServed, rc.Player.Name, rc.ConnID, row.ID)
	return nil
}
