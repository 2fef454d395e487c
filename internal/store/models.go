package store

import (
	"fmt"
	"time"
)

// Provider identifies a game-history service.
type Provider string

const (
	ProviderLichess  Provider = "lichess"
	ProviderChessCom Provider = "chesscom"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderLichess || p == ProviderChessCom
}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// User is keyed by the opaque chat identifier of the front end.
type User struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
	Accounts  []Account `gorm:"foreignKey:UserID"`
}

// Handle returns the linked handle for provider, or "".
func (u *User) Handle(p Provider) string {
	for _, a := range u.Accounts {
		if a.Provider == p {
			return a.Handle
		}
	}
	return ""
}

// Account links a user to one handle on one provider.
type Account struct {
	ID        uint     `gorm:"primaryKey"`
	UserID    int64    `gorm:"not null;uniqueIndex:idx_accounts_user_provider"`
	Provider  Provider `gorm:"size:16;not null;uniqueIndex:idx_accounts_user_provider"`
	Handle    string   `gorm:"size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Game is an ingested game record. The raw record is stored zstd-compressed
// and identified by its SHA-256 per user.
type Game struct {
	ID          uint     `gorm:"primaryKey"`
	UserID      int64    `gorm:"not null;uniqueIndex:idx_games_user_content;index"`
	ContentHash string   `gorm:"size:64;not null;uniqueIndex:idx_games_user_content"`
	Provider    Provider `gorm:"size:16;not null"`
	Record      []byte   `gorm:"not null"`
	White       string   `gorm:"size:64"`
	Black       string   `gorm:"size:64"`
	Opening     string   `gorm:"size:128"`
	CreatedAt   time.Time
}

// AssetState tracks background rendering of a blunder's images.
type AssetState string

const (
	AssetsNone    AssetState = "none"    // best move not computed yet
	AssetsPending AssetState = "pending" // queued for rendering
	AssetsReady   AssetState = "ready"   // all six images stored
	AssetsFailed  AssetState = "failed"  // at least one image failed to render
)

// AssetKind is one of the three rendered images of a blunder.
type AssetKind string

const (
	AssetError AssetKind = "error" // the move that was played
	AssetBest  AssetKind = "best"  // the engine's best move
	AssetLine  AssetKind = "line"  // the continuation
)

// Orientation is the side shown at the bottom of the board.
type Orientation string

const (
	OrientationWhite Orientation = "white"
	OrientationBlack Orientation = "black"
)

// AssetKey addresses one stored image.
type AssetKey struct {
	Kind        AssetKind
	Orientation Orientation
}

func (k AssetKey) String() string {
	return string(k.Kind) + "-" + string(k.Orientation)
}

func (k AssetKey) column() string {
	return string(k.Kind) + "_" + string(k.Orientation)
}

// AllAssetKeys lists the six images of a blunder.
func AllAssetKeys() []AssetKey {
	keys := make([]AssetKey, 0, 6)
	for _, kind := range []AssetKind{AssetError, AssetBest, AssetLine} {
		for _, o := range []Orientation{OrientationWhite, OrientationBlack} {
			keys = append(keys, AssetKey{Kind: kind, Orientation: o})
		}
	}
	return keys
}

// Blunder is a flagged ply of a game.
type Blunder struct {
	ID           uint   `gorm:"primaryKey"`
	GameID       uint   `gorm:"not null;uniqueIndex:idx_blunders_game_ply"`
	Ply          int    `gorm:"not null;uniqueIndex:idx_blunders_game_ply"`
	FENBefore    string `gorm:"column:fen_before;size:100;not null"`
	PlayedMove   string `gorm:"size:5;not null"`
	Solved       bool   `gorm:"not null;default:false"`
	BestMove     *string
	Continuation *string // space-separated UCI moves

	ErrorWhite []byte
	ErrorBlack []byte
	BestWhite  []byte
	BestBlack  []byte
	LineWhite  []byte
	LineBlack  []byte

	AssetState AssetState `gorm:"size:16;not null;default:none"`
	DetectedAt time.Time  `gorm:"index"`

	Game *Game `gorm:"foreignKey:GameID"`
}

// Asset returns the stored image for key, or nil.
func (b *Blunder) Asset(key AssetKey) []byte {
	switch key {
	case AssetKey{AssetError, OrientationWhite}:
		return b.ErrorWhite
	case AssetKey{AssetError, OrientationBlack}:
		return b.ErrorBlack
	case AssetKey{AssetBest, OrientationWhite}:
		return b.BestWhite
	case AssetKey{AssetBest, OrientationBlack}:
		return b.BestBlack
	case AssetKey{AssetLine, OrientationWhite}:
		return b.LineWhite
	case AssetKey{AssetLine, OrientationBlack}:
		return b.LineBlack
	}
	return nil
}

// blobColumns are left out of list queries.
var blobColumns = []string{"error_white", "error_black", "best_white", "best_black", "line_white", "line_black"}

// NewGame is the input to InsertGameIfAbsent.
type NewGame struct {
	UserID   int64
	Provider Provider
	Raw      string
	White    string
	Black    string
	Opening  string
}

// NewBlunder is the mandatory part of a blunder written at detection time.
type NewBlunder struct {
	Ply        int
	FENBefore  string
	PlayedMove string
}

// BlunderAssets is a partial update of a blunder's analysis fields. Nil
// fields are left untouched.
type BlunderAssets struct {
	BestMove     *string
	Continuation *string
	Images       map[AssetKey][]byte
	State        *AssetState
}

// Empty reports whether the update carries no fields.
func (a BlunderAssets) Empty() bool {
	return a.BestMove == nil && a.Continuation == nil && len(a.Images) == 0 && a.State == nil
}
