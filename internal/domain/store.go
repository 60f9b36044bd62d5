package domain

import "context"

// Queries is the persistence surface shared by the services. Implementations
// bound to a transaction must honour the Lock* methods with row locks.
type Queries interface {
	CreateBlock(ctx context.Context, block *Block) error
	UpdateBlock(ctx context.Context, block *Block) error
	GetBlock(ctx context.Context, id int64) (*Block, error)
	GetBlockByLane(ctx context.Context, lane string) (*Block, error)
	LockBlock(ctx context.Context, id int64, exclusive bool) (*Block, error)
	ListBlocks(ctx context.Context, filter BlockFilter) ([]Block, error)
	DeleteBlock(ctx context.Context, id int64) error

	CreateScoreOption(ctx context.Context, option *ScoreOption) error
	UpdateScoreOption(ctx context.Context, option *ScoreOption) error
	GetScoreOption(ctx context.Context, id int64) (*ScoreOption, error)
	GetScoreOptionByKey(ctx context.Context, blockID int64, key string) (*ScoreOption, error)
	ListScoreOptions(ctx context.Context, filter ScoreOptionFilter) ([]ScoreOption, error)
	DeleteScoreOption(ctx context.Context, id int64) error

	CreateParticipant(ctx context.Context, p *Participant) error
	UpdateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id int64) (*Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (*Participant, error)
	GetParticipantByUsername(ctx context.Context, username string) (*Participant, error)
	LockParticipant(ctx context.Context, id int64) (*Participant, error)
	ListParticipants(ctx context.Context, filter ParticipantFilter) ([]Participant, error)
	DeleteParticipant(ctx context.Context, id int64) error
	AdjustAggregates(ctx context.Context, participantID int64, scoreDelta, distanceDelta int) (*Participant, error)
	SetAggregates(ctx context.Context, participantID int64, score, distance int) error

	InsertBlockScore(ctx context.Context, score *BlockScore) error
	UpdateBlockScore(ctx context.Context, score *BlockScore) error
	GetBlockScore(ctx context.Context, id int64) (*BlockScore, error)
	LockBlockScore(ctx context.Context, id int64) (*BlockScore, error)
	FindBlockScore(ctx context.Context, participantID, blockID int64) (*BlockScore, error)
	ListBlockScores(ctx context.Context, filter BlockScoreFilter) ([]BlockScore, error)
	DeleteBlockScore(ctx context.Context, id int64) error
	ComputeAggregates(ctx context.Context) ([]AggregateTotals, error)
}

// Store runs Queries either directly (View) or inside one atomic transaction
// (WithTx). A WithTx callback returning an error leaves no trace.
type Store interface {
	View(ctx context.Context, fn func(q Queries) error) error
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
