package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/climb-ledger/internal/domain"
	"github.com/samber/lo"
)

type queries struct {
	st       *state
	now      func() time.Time
	readOnly bool
}

var _ domain.Queries = (*queries)(nil)

func (q *queries) writable() error {
	if q.readOnly {
		return errReadOnly
	}
	return nil
}

// Blocks

func (q *queries) CreateBlock(ctx context.Context, block *domain.Block) error {
	if err := q.writable(); err != nil {
		return err
	}
	if q.laneTaken(block.Lane, 0) {
		return domain.ErrLaneTaken
	}
	block.ID = q.st.nextID()
	block.CreatedAt = q.now()
	block.ScoreOptions = []domain.ScoreOption{}
	stored := *block
	stored.ScoreOptions = nil
	q.st.blocks[block.ID] = stored
	return nil
}

func (q *queries) UpdateBlock(ctx context.Context, block *domain.Block) error {
	if err := q.writable(); err != nil {
		return err
	}
	existing, ok := q.st.blocks[block.ID]
	if !ok {
		return domain.ErrBlockNotFound
	}
	if q.laneTaken(block.Lane, block.ID) {
		return domain.ErrLaneTaken
	}
	stored := *block
	stored.CreatedAt = existing.CreatedAt
	stored.ScoreOptions = nil
	q.st.blocks[block.ID] = stored
	return nil
}

func (q *queries) laneTaken(lane string, except int64) bool {
	for id, b := range q.st.blocks {
		if id != except && b.Lane == lane {
			return true
		}
	}
	return false
}

func (q *queries) GetBlock(ctx context.Context, id int64) (*domain.Block, error) {
	b, ok := q.st.blocks[id]
	if !ok {
		return nil, domain.ErrBlockNotFound
	}
	b.ScoreOptions = q.optionsFor(id)
	return &b, nil
}

func (q *queries) GetBlockByLane(ctx context.Context, lane string) (*domain.Block, error) {
	for id, b := range q.st.blocks {
		if b.Lane == lane {
			b.ScoreOptions = q.optionsFor(id)
			return &b, nil
		}
	}
	return nil, domain.ErrBlockNotFound
}

func (q *queries) LockBlock(ctx context.Context, id int64, exclusive bool) (*domain.Block, error) {
	b, ok := q.st.blocks[id]
	if !ok {
		return nil, domain.ErrBlockNotFound
	}
	b.ScoreOptions = []domain.ScoreOption{}
	return &b, nil
}

func (q *queries) ListBlocks(ctx context.Context, filter domain.BlockFilter) ([]domain.Block, error) {
	blocks := lo.Filter(lo.Values(q.st.blocks), func(b domain.Block, _ int) bool {
		if filter.Lane != "" && b.Lane != filter.Lane {
			return false
		}
		return filter.Grade == "" || b.Grade == filter.Grade
	})
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })
	for i := range blocks {
		blocks[i].ScoreOptions = q.optionsFor(blocks[i].ID)
	}
	return blocks, nil
}

func (q *queries) DeleteBlock(ctx context.Context, id int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.blocks[id]; !ok {
		return domain.ErrBlockNotFound
	}
	for sid, s := range q.st.scores {
		if s.BlockID == id {
			delete(q.st.scores, sid)
		}
	}
	for oid, o := range q.st.options {
		if o.BlockID == id {
			delete(q.st.options, oid)
		}
	}
	delete(q.st.blocks, id)
	return nil
}

// Score options

func (q *queries) optionsFor(blockID int64) []domain.ScoreOption {
	options := lo.Filter(lo.Values(q.st.options), func(o domain.ScoreOption, _ int) bool {
		return o.BlockID == blockID
	})
	sortOptions(options)
	return options
}

func sortOptions(options []domain.ScoreOption) {
	sort.Slice(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if a.BlockID != b.BlockID {
			return a.BlockID < b.BlockID
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
}

func (q *queries) keyTaken(blockID int64, key string, except int64) bool {
	for id, o := range q.st.options {
		if id != except && o.BlockID == blockID && o.Key == key {
			return true
		}
	}
	return false
}

func (q *queries) CreateScoreOption(ctx context.Context, option *domain.ScoreOption) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.blocks[option.BlockID]; !ok {
		return domain.ErrBlockNotFound
	}
	if q.keyTaken(option.BlockID, option.Key, 0) {
		return domain.ErrDuplicateKey
	}
	option.ID = q.st.nextID()
	q.st.options[option.ID] = *option
	return nil
}

func (q *queries) UpdateScoreOption(ctx context.Context, option *domain.ScoreOption) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.options[option.ID]; !ok {
		return domain.ErrScoreOptionNotFound
	}
	if _, ok := q.st.blocks[option.BlockID]; !ok {
		return domain.ErrBlockNotFound
	}
	if q.keyTaken(option.BlockID, option.Key, option.ID) {
		return domain.ErrDuplicateKey
	}
	q.st.options[option.ID] = *option
	return nil
}

func (q *queries) GetScoreOption(ctx context.Context, id int64) (*domain.ScoreOption, error) {
	o, ok := q.st.options[id]
	if !ok {
		return nil, domain.ErrScoreOptionNotFound
	}
	return &o, nil
}

func (q *queries) GetScoreOptionByKey(ctx context.Context, blockID int64, key string) (*domain.ScoreOption, error) {
	for _, o := range q.st.options {
		if o.BlockID == blockID && o.Key == key {
			return &o, nil
		}
	}
	return nil, domain.ErrScoreOptionNotFound
}

func (q *queries) ListScoreOptions(ctx context.Context, filter domain.ScoreOptionFilter) ([]domain.ScoreOption, error) {
	options := lo.Filter(lo.Values(q.st.options), func(o domain.ScoreOption, _ int) bool {
		return filter.BlockID == nil || o.BlockID == *filter.BlockID
	})
	sortOptions(options)
	return options, nil
}

func (q *queries) DeleteScoreOption(ctx context.Context, id int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.options[id]; !ok {
		return domain.ErrScoreOptionNotFound
	}
	for _, s := range q.st.scores {
		if s.ScoreOptionID == id {
			return domain.ErrOptionInUse
		}
	}
	delete(q.st.options, id)
	return nil
}

// Participants

func (q *queries) checkIdentity(p *domain.Participant) error {
	for id, other := range q.st.participants {
		if id == p.ID {
			continue
		}
		if other.Email == p.Email {
			return domain.ErrEmailTaken
		}
		if other.Username == p.Username {
			return domain.ErrUsernameTaken
		}
	}
	return nil
}

func (q *queries) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	if err := q.writable(); err != nil {
		return err
	}
	p.ID = 0
	if err := q.checkIdentity(p); err != nil {
		return err
	}
	p.ID = q.st.nextID()
	p.RegisteredAt = q.now()
	p.Score = 0
	p.DistanceClimbed = 0
	q.st.participants[p.ID] = *p
	return nil
}

func (q *queries) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	if err := q.writable(); err != nil {
		return err
	}
	existing, ok := q.st.participants[p.ID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if err := q.checkIdentity(p); err != nil {
		return err
	}
	stored := *p
	stored.Score = existing.Score
	stored.DistanceClimbed = existing.DistanceClimbed
	stored.RegisteredAt = existing.RegisteredAt
	q.st.participants[p.ID] = stored
	return nil
}

func (q *queries) GetParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	p, ok := q.st.participants[id]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return &p, nil
}

func (q *queries) GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error) {
	email = strings.ToLower(email)
	for _, p := range q.st.participants {
		if p.Email == email {
			return &p, nil
		}
	}
	return nil, domain.ErrParticipantNotFound
}

func (q *queries) GetParticipantByUsername(ctx context.Context, username string) (*domain.Participant, error) {
	for _, p := range q.st.participants {
		if p.Username == username {
			return &p, nil
		}
	}
	return nil, domain.ErrParticipantNotFound
}

func (q *queries) LockParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	return q.GetParticipant(ctx, id)
}

func (q *queries) ListParticipants(ctx context.Context, filter domain.ParticipantFilter) ([]domain.Participant, error) {
	participants := lo.Filter(lo.Values(q.st.participants), func(p domain.Participant, _ int) bool {
		if filter.ID != nil && p.ID != *filter.ID {
			return false
		}
		if filter.Cup != "" && p.Cup != filter.Cup {
			return false
		}
		return filter.IsStaff == nil || p.IsStaff == *filter.IsStaff
	})
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })
	return participants, nil
}

func (q *queries) DeleteParticipant(ctx context.Context, id int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.participants[id]; !ok {
		return domain.ErrParticipantNotFound
	}
	for sid, s := range q.st.scores {
		if s.ParticipantID == id {
			delete(q.st.scores, sid)
		}
	}
	delete(q.st.participants, id)
	return nil
}

func (q *queries) AdjustAggregates(ctx context.Context, participantID int64, scoreDelta, distanceDelta int) (*domain.Participant, error) {
	if err := q.writable(); err != nil {
		return nil, err
	}
	p, ok := q.st.participants[participantID]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	p.Score += scoreDelta
	p.DistanceClimbed += distanceDelta
	q.st.participants[participantID] = p
	return &p, nil
}

func (q *queries) SetAggregates(ctx context.Context, participantID int64, score, distance int) error {
	if err := q.writable(); err != nil {
		return err
	}
	p, ok := q.st.participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.Score = score
	p.DistanceClimbed = distance
	q.st.participants[participantID] = p
	return nil
}

// Block scores

func (q *queries) pairTaken(participantID, blockID, except int64) bool {
	for id, s := range q.st.scores {
		if id != except && s.ParticipantID == participantID && s.BlockID == blockID {
			return true
		}
	}
	return false
}

func (q *queries) checkReferences(score *domain.BlockScore) error {
	if _, ok := q.st.participants[score.ParticipantID]; !ok {
		return domain.ErrParticipantNotFound
	}
	if _, ok := q.st.blocks[score.BlockID]; !ok {
		return domain.ErrBlockNotFound
	}
	if _, ok := q.st.options[score.ScoreOptionID]; !ok {
		return domain.ErrScoreOptionNotFound
	}
	return nil
}

func (q *queries) InsertBlockScore(ctx context.Context, score *domain.BlockScore) error {
	if err := q.writable(); err != nil {
		return err
	}
	if err := q.checkReferences(score); err != nil {
		return err
	}
	if q.pairTaken(score.ParticipantID, score.BlockID, 0) {
		return fmt.Errorf("%w: participant %d already scored block %d",
			domain.ErrScoreConflict, score.ParticipantID, score.BlockID)
	}
	score.ID = q.st.nextID()
	score.CreatedAt = q.now()
	q.st.scores[score.ID] = q.bare(*score)
	return nil
}

func (q *queries) UpdateBlockScore(ctx context.Context, score *domain.BlockScore) error {
	if err := q.writable(); err != nil {
		return err
	}
	existing, ok := q.st.scores[score.ID]
	if !ok {
		return domain.ErrBlockScoreNotFound
	}
	if err := q.checkReferences(score); err != nil {
		return err
	}
	if q.pairTaken(existing.ParticipantID, score.BlockID, score.ID) {
		return fmt.Errorf("%w: participant %d already scored block %d",
			domain.ErrScoreConflict, existing.ParticipantID, score.BlockID)
	}
	existing.BlockID = score.BlockID
	existing.ScoreOptionID = score.ScoreOptionID
	existing.EarnedPoints = score.EarnedPoints
	q.st.scores[score.ID] = existing
	return nil
}

// bare drops the display fields before storing a row
func (q *queries) bare(s domain.BlockScore) domain.BlockScore {
	s.ParticipantName = ""
	s.BlockLane = ""
	s.ScoreOptionLabel = ""
	return s
}

// detailed fills the display fields from the referenced records
func (q *queries) detailed(s domain.BlockScore) domain.BlockScore {
	s.ParticipantName = q.st.participants[s.ParticipantID].Username
	s.BlockLane = q.st.blocks[s.BlockID].Lane
	s.ScoreOptionLabel = q.st.options[s.ScoreOptionID].Label
	return s
}

func (q *queries) GetBlockScore(ctx context.Context, id int64) (*domain.BlockScore, error) {
	s, ok := q.st.scores[id]
	if !ok {
		return nil, domain.ErrBlockScoreNotFound
	}
	s = q.detailed(s)
	return &s, nil
}

func (q *queries) LockBlockScore(ctx context.Context, id int64) (*domain.BlockScore, error) {
	s, ok := q.st.scores[id]
	if !ok {
		return nil, domain.ErrBlockScoreNotFound
	}
	return &s, nil
}

func (q *queries) FindBlockScore(ctx context.Context, participantID, blockID int64) (*domain.BlockScore, error) {
	for _, s := range q.st.scores {
		if s.ParticipantID == participantID && s.BlockID == blockID {
			return &s, nil
		}
	}
	return nil, domain.ErrBlockScoreNotFound
}

func (q *queries) ListBlockScores(ctx context.Context, filter domain.BlockScoreFilter) ([]domain.BlockScore, error) {
	scores := lo.FilterMap(lo.Values(q.st.scores), func(s domain.BlockScore, _ int) (domain.BlockScore, bool) {
		if filter.ParticipantID != nil && s.ParticipantID != *filter.ParticipantID {
			return s, false
		}
		if filter.BlockID != nil && s.BlockID != *filter.BlockID {
			return s, false
		}
		return q.detailed(s), true
	})
	sort.Slice(scores, func(i, j int) bool {
		if !scores[i].CreatedAt.Equal(scores[j].CreatedAt) {
			return scores[i].CreatedAt.Before(scores[j].CreatedAt)
		}
		return scores[i].ID < scores[j].ID
	})
	return scores, nil
}

func (q *queries) DeleteBlockScore(ctx context.Context, id int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.scores[id]; !ok {
		return domain.ErrBlockScoreNotFound
	}
	delete(q.st.scores, id)
	return nil
}

func (q *queries) ComputeAggregates(ctx context.Context) ([]domain.AggregateTotals, error) {
	totals := make(map[int64]*domain.AggregateTotals, len(q.st.participants))
	for id, p := range q.st.participants {
		totals[id] = &domain.AggregateTotals{
			ParticipantID:  id,
			StoredScore:    p.Score,
			StoredDistance: p.DistanceClimbed,
		}
	}
	for _, s := range q.st.scores {
		t, ok := totals[s.ParticipantID]
		if !ok {
			continue
		}
		t.ComputedScore += s.EarnedPoints
		t.ComputedDistance += q.st.blocks[s.BlockID].Distance
	}

	result := make([]domain.AggregateTotals, 0, len(totals))
	for _, t := range totals {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ParticipantID < result[j].ParticipantID })
	return result, nil
}
