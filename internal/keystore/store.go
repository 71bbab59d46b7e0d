// Package keystore persists per-chat key material: the pending private key
// of an outstanding handshake or the shared secret of an established chat.
package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"securechat/internal/dbx"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Options struct {
	// Passphrase enables at-rest sealing of record values.
	Passphrase string
	Logger     *slog.Logger
	LogSQL     bool
}

// Store maps chat identifiers to key records. Each write is atomic for its
// own chat; there are no cross-chat transactions and nothing is deleted
// automatically.
type Store struct {
	db     *gorm.DB
	sealer *sealer
	log    *slog.Logger
	now    func() time.Time
}

// Open connects to dsn and prepares the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := dbx.Open(dbx.Config{DSN: dsn, LogSQL: opts.LogSQL})
	if err != nil {
		return nil, unavailable("open", err)
	}
	st, err := New(ctx, db, opts)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection, migrating the schema and loading or
// initialising the sealing settings.
func New(ctx context.Context, db *gorm.DB, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if db.Dialector.Name() == "sqlite" {
		// One writer at a time keeps sqlite from reporting SQLITE_BUSY.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.WithContext(ctx).AutoMigrate(&KeyRecord{}, &StoreMeta{}); err != nil {
		return nil, unavailable("migrate", err)
	}
	s := &Store{db: db, log: log, now: time.Now}
	if err := s.initSealing(ctx, opts.Passphrase); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSealing(ctx context.Context, passphrase string) error {
	want := sealingNone
	if passphrase != "" {
		want = sealingXC20
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mode, found, err := getMeta(tx, metaSealing)
		if err != nil {
			return unavailable("read meta", err)
		}
		if !found {
			return s.createSealing(tx, want, passphrase)
		}
		if mode != want {
			return ErrSealingMismatch
		}
		if want == sealingNone {
			return nil
		}
		saltB64, _, err := getMeta(tx, metaSalt)
		if err != nil {
			return unavailable("read meta", err)
		}
		salt, err := base64.StdEncoding.DecodeString(saltB64)
		if err != nil {
			return unavailable("decode salt", err)
		}
		sl, err := newSealer(passphrase, salt)
		if err != nil {
			return unavailable("init sealer", err)
		}
		checkB64, _, err := getMeta(tx, metaCheck)
		if err != nil {
			return unavailable("read meta", err)
		}
		check, err := base64.StdEncoding.DecodeString(checkB64)
		if err != nil {
			return unavailable("decode check", err)
		}
		if _, err := sl.open(check, []byte(checkContext)); err != nil {
			return unavailable("verify passphrase", ErrWrongPassphrase)
		}
		s.sealer = sl
		return nil
	})
}

func (s *Store) createSealing(tx *gorm.DB, mode, passphrase string) error {
	if err := putMeta(tx, metaSealing, mode); err != nil {
		return unavailable("write meta", err)
	}
	if mode == sealingNone {
		return nil
	}
	salt, err := newSalt()
	if err != nil {
		return err
	}
	sl, err := newSealer(passphrase, salt)
	if err != nil {
		return unavailable("init sealer", err)
	}
	check, err := sl.seal([]byte(checkContext), []byte(checkContext))
	if err != nil {
		return err
	}
	if err := putMeta(tx, metaSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return unavailable("write meta", err)
	}
	if err := putMeta(tx, metaCheck, base64.StdEncoding.EncodeToString(check)); err != nil {
		return unavailable("write meta", err)
	}
	s.sealer = sl
	return nil
}

func getMeta(tx *gorm.DB, name string) (string, bool, error) {
	var m StoreMeta
	err := tx.First(&m, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Value, true, nil
}

func putMeta(tx *gorm.DB, name, value string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&StoreMeta{Name: name, Value: value}).Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) PutPendingPrivate(ctx context.Context, chatID string, key []byte) error {
	return s.put(ctx, chatID, KindPendingPrivate, key)
}

func (s *Store) GetPendingPrivate(ctx context.Context, chatID string) ([]byte, bool, error) {
	return s.get(ctx, chatID, KindPendingPrivate)
}

func (s *Store) PutSharedSecret(ctx context.Context, chatID string, key []byte) error {
	return s.put(ctx, chatID, KindSharedSecret, key)
}

func (s *Store) GetSharedSecret(ctx context.Context, chatID string) ([]byte, bool, error) {
	return s.get(ctx, chatID, KindSharedSecret)
}

// List returns every record with its kind, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var recs []KeyRecord
	if err := s.db.WithContext(ctx).
		Select("chat_id", "kind", "updated_at").
		Order("updated_at desc").
		Find(&recs).Error; err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{ChatID: r.ChatID, Kind: r.Kind, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, chatID string, kind Kind, key []byte) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	sealed, err := s.sealer.seal(key, additionalData(chatID, kind))
	if err != nil {
		return unavailable("seal", err)
	}
	now := s.now().UTC()
	rec := KeyRecord{
		ChatID:    chatID,
		Value:     base64.StdEncoding.EncodeToString(sealed),
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":      rec.Value,
				"kind":       rec.Kind,
				"updated_at": rec.UpdatedAt,
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return unavailable("put", err)
	}
	s.log.Debug("key record written", "chat_id", chatID, "kind", string(kind))
	return nil
}

// get returns the value only when the stored record has the requested kind.
// Absence is not an error.
func (s *Store) get(ctx context.Context, chatID string, kind Kind) ([]byte, bool, error) {
	if chatID == "" {
		return nil, false, ErrEmptyChatID
	}
	var rec KeyRecord
	err := s.db.WithContext(ctx).First(&rec, "chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	if rec.Kind != kind {
		return nil, false, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.Value)
	if err != nil {
		return nil, false, unavailable("decode", err)
	}
	value, err := s.sealer.open(sealed, additionalData(chatID, kind))
	if err != nil {
		return nil, false, unavailable("open", err)
	}
	return value, true, nil
}
