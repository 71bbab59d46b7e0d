package keystore

import "time"

// Kind discriminates what a record's value holds.
type Kind string

const (
	KindPendingPrivate Kind = "pending-private"
	KindSharedSecret   Kind = "shared-secret"
)

// KeyRecord is the single persisted row per chat. Value is base64 of the key
// bytes, or of the sealed key bytes when a passphrase is configured.
type KeyRecord struct {
	ChatID    string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text;not null"`
	Kind      Kind      `gorm:"size:32;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (KeyRecord) TableName() string { return "keys" }

// StoreMeta holds store-wide settings such as the sealing salt.
type StoreMeta struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text;not null"`
}

func (StoreMeta) TableName() string { return "store_meta" }

// Entry describes a record without its key material.
type Entry struct {
	ChatID    string
	Kind      Kind
	UpdatedAt time.Time
}
