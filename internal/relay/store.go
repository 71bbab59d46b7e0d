package relay

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUnknownExchange = errors.New("relay: no handshake request for chat")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&KeyExchange{}, &Message{})
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// CreateExchange inserts ex unless the chat already has a row. It reports
// whether the row was created.
func (s *Store) CreateExchange(ctx context.Context, ex *KeyExchange) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chat_id"}}, DoNothing: true}).
		Create(ex)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Exchange(ctx context.Context, chatID string) (KeyExchange, error) {
	var ex KeyExchange
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Take(&ex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KeyExchange{}, ErrUnknownExchange
	}
	return ex, err
}

// RefreshExchange replaces the public key of a not yet accepted request.
func (s *Store) RefreshExchange(ctx context.Context, chatID, publicKey string) error {
	return s.db.WithContext(ctx).
		Model(&KeyExchange{}).
		Where("chat_id = ? AND accepted = ?", chatID, false).
		Update("public_key", publicKey).
		Error
}

// AcceptExchange flips the row to accepted. It reports false when the row
// was already accepted.
func (s *Store) AcceptExchange(ctx context.Context, chatID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&KeyExchange{}).
		Where("chat_id = ? AND accepted = ?", chatID, false).
		Update("accepted", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PendingFor lists un-accepted requests addressed to user.
func (s *Store) PendingFor(ctx context.Context, user int64) ([]KeyExchange, error) {
	var out []KeyExchange
	err := s.db.WithContext(ctx).
		Where("receiver_id = ? AND accepted = ?", user, false).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// AcceptedFor lists established chats the user takes part in.
func (s *Store) AcceptedFor(ctx context.Context, user int64) ([]KeyExchange, error) {
	var out []KeyExchange
	err := s.db.WithContext(ctx).
		Where("(receiver_id = ? OR sender_id = ?) AND accepted = ?", user, user, true).
		Find(&out).Error
	return out, err
}

func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// History returns the latest limit messages of the chat, oldest first.
func (s *Store) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	var msgs []Message
	tx := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true})
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
