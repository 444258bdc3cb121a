package database

import "time"

// Entity kinds stored in channel_bindings.entity_kind.
const (
	KindCharacter = "character"
	KindSession   = "session"
)

// BotIdentity is the identity the router speaks as on the chat platform.
// Identities are deactivated on removal, never hard-deleted.
type BotIdentity struct {
	ID              string    `db:"id"`
	DisplayName     string    `db:"display_name"`
	CredentialToken string    `db:"credential_token"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// ChannelBinding is the durable association between a chat channel and the
// character or session it carries. At most one binding per channel, and at
// most one binding per (entity_kind, entity_id).
type ChannelBinding struct {
	ChannelID  string    `db:"channel_id"`
	EntityKind string    `db:"entity_kind"`
	EntityID   string    `db:"entity_id"`
	CreatedAt  time.Time `db:"created_at"`
}
