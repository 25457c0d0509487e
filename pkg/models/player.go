// Package models holds the player identity handed to the crafting daemon
// by the login service.
package models

import "time"

// PermAdmin is the permission bit that unlocks the admin API.
const PermAdmin int64 = 1 << 0

// Values of the activated claim other than a positive activation time.
const (
	ActivationPending int64 = 0
	ActivationBanned  int64 = -1
)

// Player is an authenticated account. Every field except ConnectedAt comes
// from token claims.
type Player struct {
	ID          string `json:"id"` // decimal user_id
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Permissions int64  `json:"permissions"`
	Activated   int64  `json:"activated"`
	AuthMethod  string `json:"auth_method"`

	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// IsActive reports whether the account is activated and not banned.
func (p *Player) IsActive() bool {
	return p.Activated > 0
}

// IsBanned reports whether the account is banned.
func (p *Player) IsBanned() bool {
	return p.Activated == ActivationBanned
}

// IsAdmin reports whether the player may use the admin API.
func (p *Player) IsAdmin() bool {
	return p.Permissions&PermAdmin != 0
}

// CheckAccess returns a reason the account may not connect, or "" if it may.
func (p *Player) CheckAccess() string {
	switch {
	case p.IsBanned():
		return "user is banned"
	case !p.IsActive():
		return "user not activated"
	}
	return ""
}
