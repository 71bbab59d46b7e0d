package relay

import "time"

// KeyExchange is the relay's record of a chat's handshake. One row per chat.
type KeyExchange struct {
	ChatID     string `gorm:"primaryKey;size:64"`
	SenderID   int64  `gorm:"not null"`
	ReceiverID int64  `gorm:"not null;index"`
	PublicKey  string `gorm:"not null"`
	Accepted   bool   `gorm:"not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (KeyExchange) TableName() string { return "key_exchanges" }

// Message is stored ciphertext. The relay never sees plaintext or keys.
type Message struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ChatID     string    `gorm:"not null;size:64;index:idx_messages_chat_ts,priority:1"`
	Sender     int64     `gorm:"not null"`
	Receiver   int64     `gorm:"not null"`
	Ciphertext string    `gorm:"not null"`
	IV         string    `gorm:"not null"`
	Timestamp  time.Time `gorm:"not null;index:idx_messages_chat_ts,priority:2"`
}

func (Message) TableName() string { return "messages" }
