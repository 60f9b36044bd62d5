package domain

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosimple/slug"
)

// BlockType distinguishes boulders from routes
type BlockType string

const (
	BlockTypeBoulder BlockType = "boulder"
	BlockTypeRoute   BlockType = "route"
)

// Lane prefixes used by the bulk loader to infer the block type
const (
	BoulderLanePrefix = "B_"
	RouteLanePrefix   = "R_"
)

// Valid reports whether t is a known block type
func (t BlockType) Valid() bool {
	return t == BlockTypeBoulder || t == BlockTypeRoute
}

// BlockTypeForLane infers the block type from the lane prefix. The second
// result is false when the lane carries no known prefix and the boulder
// fallback was used.
func BlockTypeForLane(lane string) (BlockType, bool) {
	switch {
	case strings.HasPrefix(lane, BoulderLanePrefix):
		return BlockTypeBoulder, true
	case strings.HasPrefix(lane, RouteLanePrefix):
		return BlockTypeRoute, true
	default:
		return BlockTypeBoulder, false
	}
}

// Block is a climbing problem with its distance-climbed credit
type Block struct {
	ID           int64         `json:"id"`
	Lane         string        `json:"lane"`
	Grade        string        `json:"grade"`
	Color        string        `json:"color"`
	Wall         string        `json:"wall"`
	Type         BlockType     `json:"block_type"`
	Distance     int           `json:"distance"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
	ScoreOptions []ScoreOption `json:"score_options"`
}

// ScoreOption is one selectable outcome for a specific block
type ScoreOption struct {
	ID      int64  `json:"id"`
	BlockID int64  `json:"block"`
	Key     string `json:"key"`
	Label   string `json:"label"`
	Points  int    `json:"points"`
	Order   int    `json:"order"`
}

// BlockFilter narrows block listings
type BlockFilter struct {
	Lane  string
	Grade string
}

// ScoreOptionFilter narrows score option listings
type ScoreOptionFilter struct {
	BlockID *int64
}

// BlockInput carries the writable block attributes
type BlockInput struct {
	Lane     string    `json:"lane"`
	Grade    string    `json:"grade"`
	Color    string    `json:"color"`
	Wall     string    `json:"wall"`
	Type     BlockType `json:"block_type"`
	Distance int       `json:"distance"`
	Active   *bool     `json:"active,omitempty"`
}

// Normalize trims fields and fills the type from the lane prefix when omitted
func (in *BlockInput) Normalize() error {
	in.Lane = strings.TrimSpace(in.Lane)
	in.Grade = strings.TrimSpace(in.Grade)
	in.Color = strings.TrimSpace(in.Color)
	in.Wall = strings.TrimSpace(in.Wall)

	if in.Lane == "" {
		return Invalid("lane is required")
	}
	if err := checkLengths(
		field{"lane", in.Lane, 50},
		field{"grade", in.Grade, 20},
		field{"color", in.Color, 20},
		field{"wall", in.Wall, 50},
	); err != nil {
		return err
	}
	if in.Distance < 0 || in.Distance > math.MaxInt32 {
		return Invalid("distance must be between 0 and %d", math.MaxInt32)
	}
	if in.Type == "" {
		in.Type, _ = BlockTypeForLane(in.Lane)
	}
	if !in.Type.Valid() {
		return Invalid("block_type must be %q or %q", BlockTypeBoulder, BlockTypeRoute)
	}
	return nil
}

// Apply copies the input onto a block
func (in *BlockInput) Apply(b *Block) {
	b.Lane = in.Lane
	b.Grade = in.Grade
	b.Color = in.Color
	b.Wall = in.Wall
	b.Type = in.Type
	b.Distance = in.Distance
	if in.Active != nil {
		b.Active = *in.Active
	}
}

// ScoreOptionInput carries the writable score option attributes
type ScoreOptionInput struct {
	BlockID int64  `json:"block"`
	Key     string `json:"key"`
	Label   string `json:"label"`
	Points  int    `json:"points"`
	Order   int    `json:"order"`
}

// Normalize slugifies the key and checks the remaining fields
func (in *ScoreOptionInput) Normalize() error {
	in.Key = NormalizeOptionKey(in.Key)
	in.Label = strings.TrimSpace(in.Label)

	if in.Key == "" {
		return Invalid("key is required")
	}
	if in.Label == "" {
		in.Label = in.Key
	}
	if err := checkLengths(field{"key", in.Key, 30}, field{"label", in.Label, 50}); err != nil {
		return err
	}
	if in.Points < math.MinInt32 || in.Points > math.MaxInt32 {
		return Invalid("points must be between %d and %d", math.MinInt32, math.MaxInt32)
	}
	if in.Order < 0 || in.Order > math.MaxInt16 {
		return Invalid("order must be between 0 and %d", math.MaxInt16)
	}
	return nil
}

// field is a text value and the column width it is stored in
type field struct {
	name  string
	value string
	max   int
}

// checkLengths rejects values wider than their column, counted in characters
func checkLengths(fields ...field) error {
	for _, f := range fields {
		if utf8.RuneCountInString(f.value) > f.max {
			return Invalid("%s must be at most %d characters", f.name, f.max)
		}
	}
	return nil
}

// NormalizeOptionKey turns a free-form key into its slug form
func NormalizeOptionKey(key string) string {
	return slug.Make(strings.TrimSpace(key))
}

// ValidateScoreOption checks that option belongs to block. It is the only
// pairing rule and must run before any ledger write.
func ValidateScoreOption(block *Block, option *ScoreOption) error {
	if block == nil || option == nil {
		return ErrInvalidRequest
	}
	if option.BlockID != block.ID {
		return ErrOptionBlockMismatch
	}
	return nil
}
