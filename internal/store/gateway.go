// Package store persists users, games and blunders.
//
// Uniqueness is enforced by the database: games by (user, content hash) and
// blunders by (game, ply). Concurrent inserts of the same identity resolve
// through ON CONFLICT DO NOTHING followed by a read-back, so callers never
// need their own locking.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Config selects the database.
type Config struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
	Logger zerolog.Logger
	Debug  bool // log every statement
}

// Store is the persistence gateway.
type Store struct {
	db    *gorm.DB
	codec *recordCodec
	log   zerolog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	log := cfg.Logger.With().Str("component", "store").Logger()
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log, cfg.Debug),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver != "postgres" {
		// SQLite allows one writer; serialise through a single connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log zerolog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&User{}, &Account{}, &Game{}, &Blunder{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	codec, err := newRecordCodec()
	if err != nil {
		return nil, err
	}
	return &Store{db: db, codec: codec, log: log}, nil
}

// Close releases the codec and the connection pool.
func (s *Store) Close() error {
	s.codec.close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertUser creates the user if it does not exist and returns it with its
// linked accounts.
func (s *Store) UpsertUser(ctx context.Context, id int64) (*User, error) {
	u := User{ID: id}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&u).Error; err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

// GetUser loads a user and its accounts.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Preload("Accounts").First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// ListUsers returns every user with accounts, ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Preload("Accounts").Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// LinkAccount sets the handle of a user on a provider, creating the user if
// needed. Relinking replaces the previous handle.
func (s *Store) LinkAccount(ctx context.Context, userID int64, p Provider, handle string) (*Account, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown provider %q", p)
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("empty handle")
	}
	if _, err := s.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}

	acc := Account{UserID: userID, Provider: p, Handle: handle}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "updated_at"}),
	}).Create(&acc).Error; err != nil {
		return nil, fmt.Errorf("link %s account: %w", p, err)
	}

	var out Account
	if err := s.db.WithContext(ctx).
		First(&out, "user_id = ? AND provider = ?", userID, p).Error; err != nil {
		return nil, fmt.Errorf("read back %s account: %w", p, err)
	}
	return &out, nil
}

// InsertGameIfAbsent stores a game unless the same content already exists
// for the user. It returns the game's id and whether this call inserted it.
func (s *Store) InsertGameIfAbsent(ctx context.Context, g NewGame) (uint, bool, error) {
	hash := ContentHash(g.Raw)
	row := Game{
		UserID:      g.UserID,
		ContentHash: hash,
		Provider:    g.Provider,
		Record:      s.codec.compress(g.Raw),
		White:       g.White,
		Black:       g.Black,
		Opening:     g.Opening,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "content_hash"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return 0, false, fmt.Errorf("insert game: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.ID, true, nil
	}

	var existing Game
	if err := s.db.WithContext(ctx).Select("id").
		First(&existing, "user_id = ? AND content_hash = ?", g.UserID, hash).Error; err != nil {
		return 0, false, fmt.Errorf("read back game: %w", err)
	}
	return existing.ID, false, nil
}

// DeleteGame removes a game and its blunders. It is used to release a game
// whose analysis failed so that a later sync inserts it again.
func (s *Store) DeleteGame(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("game_id = ?", id).Delete(&Blunder{}).Error; err != nil {
			return fmt.Errorf("delete blunders of game %d: %w", id, err)
		}
		res := tx.Delete(&Game{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete game %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("game %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetGameRecord returns the raw record of a game.
func (s *Store) GetGameRecord(ctx context.Context, id uint) (string, error) {
	var g Game
	err := s.db.WithContext(ctx).Select("id", "record").First(&g, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("game %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get game %d: %w", id, err)
	}
	return s.codec.decompress(g.Record)
}

// InsertBlundersIfAbsent stores the blunders of a game in one transaction,
// skipping plies already present, and returns every blunder of those plies.
func (s *Store) InsertBlundersIfAbsent(ctx context.Context, gameID uint, list []NewBlunder) ([]Blunder, error) {
	if len(list) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows := make([]Blunder, len(list))
	plies := make([]int, len(list))
	for i, nb := range list {
		rows[i] = Blunder{
			GameID:     gameID,
			Ply:        nb.Ply,
			FENBefore:  nb.FENBefore,
			PlayedMove: nb.PlayedMove,
			AssetState: AssetsNone,
			DetectedAt: now,
		}
		plies[i] = nb.Ply
	}

	var out []Blunder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "game_id"}, {Name: "ply"}},
			DoNothing: true,
		}).Create(&rows).Error; err != nil {
			return err
		}
		return tx.Omit(blobColumns...).
			Where("game_id = ? AND ply IN ?", gameID, plies).
			Order("ply").
			Find(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("insert blunders of game %d: %w", gameID, err)
	}
	return out, nil
}

// MergeUpdateBlunderAssets writes only the fields present in a. Stored
// values of omitted fields are never cleared.
func (s *Store) MergeUpdateBlunderAssets(ctx context.Context, id uint, a BlunderAssets) error {
	updates := make(map[string]interface{})
	if a.BestMove != nil {
		updates["best_move"] = *a.BestMove
	}
	if a.Continuation != nil {
		updates["continuation"] = *a.Continuation
	}
	for key, img := range a.Images {
		if len(img) > 0 {
			updates[key.column()] = img
		}
	}
	if a.State != nil {
		updates["asset_state"] = string(*a.State)
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&Blunder{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update blunder %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("blunder %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkBlunderSolved flags a blunder as solved.
func (s *Store) MarkBlunderSolved(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&Blunder{}).Where("id = ?", id).Update("solved", true)
	if res.Error != nil {
		return fmt.Errorf("mark blunder %d solved: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("blunder %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetBlunder loads a blunder with its images and game headers.
func (s *Store) GetBlunder(ctx context.Context, id uint) (*Blunder, error) {
	var b Blunder
	err := s.db.WithContext(ctx).Preload("Game", gameHeaders).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("blunder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blunder %d: %w", id, err)
	}
	return &b, nil
}

// ListUnsolvedBlunders returns the user's unsolved blunders, newest first,
// without images.
func (s *Store) ListUnsolvedBlunders(ctx context.Context, userID int64) ([]Blunder, error) {
	var out []Blunder
	err := s.db.WithContext(ctx).
		Omit(blobColumns...).
		Preload("Game", gameHeaders).
		Where("solved = ? AND game_id IN (?)", false, s.userGames(userID)).
		Order("detected_at DESC, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unsolved blunders of user %d: %w", userID, err)
	}
	return out, nil
}

// ListIncompleteBlunders returns the user's blunders still missing a best
// move or waiting for rendering, without images.
func (s *Store) ListIncompleteBlunders(ctx context.Context, userID int64) ([]Blunder, error) {
	var out []Blunder
	err := s.db.WithContext(ctx).
		Omit(blobColumns...).
		Where("game_id IN (?)", s.userGames(userID)).
		Where(s.db.Where("best_move IS NULL").Or("asset_state = ?", AssetsPending)).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list incomplete blunders of user %d: %w", userID, err)
	}
	return out, nil
}

// BlunderCounts summarises a user's blunders.
type BlunderCounts struct {
	Games    int64 `json:"games"`
	Blunders int64 `json:"blunders"`
	Solved   int64 `json:"solved"`
}

// CountBlunders returns per-user totals.
func (s *Store) CountBlunders(ctx context.Context, userID int64) (BlunderCounts, error) {
	var c BlunderCounts
	db := s.db.WithContext(ctx)
	if err := db.Model(&Game{}).Where("user_id = ?", userID).Count(&c.Games).Error; err != nil {
		return c, fmt.Errorf("count games: %w", err)
	}
	if err := db.Model(&Blunder{}).Where("game_id IN (?)", s.userGames(userID)).Count(&c.Blunders).Error; err != nil {
		return c, fmt.Errorf("count blunders: %w", err)
	}
	if err := db.Model(&Blunder{}).Where("solved = ? AND game_id IN (?)", true, s.userGames(userID)).Count(&c.Solved).Error; err != nil {
		return c, fmt.Errorf("count solved: %w", err)
	}
	return c, nil
}

func (s *Store) userGames(userID int64) *gorm.DB {
	return s.db.Model(&Game{}).Select("id").Where("user_id = ?", userID)
}

func gameHeaders(db *gorm.DB) *gorm.DB {
	return db.Select("id", "user_id", "provider", "white", "black", "opening", "created_at")
}
