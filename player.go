package main

import "strings"

// Role is the permission level granted by the handshake.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

func (r Role) valid() bool { return r == RoleGM || r == RolePlayer }

const maxNameLen = 32

// Player is an authenticated participant. Players are identified by name,
// compared case-insensitively.
type Player struct {
	Name   string
	Role   Role
	Loaded bool
	ZoneID string
}

func (p *Player) IsGM() bool { return p.Role == RoleGM }

// Same reports identity equality.
func (p *Player) Same(name string) bool {
	return strings.EqualFold(p.Name, name)
}

// TransferablePlayer is the wire form; it never carries credentials.
type TransferablePlayer struct {
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Loaded bool   `json:"loaded"`
	ZoneID string `json:"zone,omitempty"`
}

func (p *Player) Transferable() TransferablePlayer {
	return TransferablePlayer{Name: p.Name, Role: p.Role, Loaded: p.Loaded, ZoneID: p.ZoneID}
}

// cleanName trims whitespace and caps the length of a requested name.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}
