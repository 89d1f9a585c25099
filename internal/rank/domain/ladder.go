package domain

import "errors"

// Rank is one ladder position with its payout cap, payout depth and the
// thresholds a member must hold to stay at or reach it.
type Rank struct {
	RankKey           string
	RankName          string
	WeeklyCapCents    int64
	EligibleDepth     int
	MinActiveRecruits int64
	MinTeamSize       int64
	MinSupportActions int64
	MinRetentionBps   int64
	Position          int
}

// Ladder is the totally ordered rank table, floor rank first.
type Ladder struct {
	ranks []Rank
	byKey map[string]int
}

func NewLadder(ranks []Rank) (Ladder, error) {
	if len(ranks) == 0 {
		return Ladder{}, ErrEmptyLadder
	}
	byKey := make(map[string]int, len(ranks))
	ordered := make([]Rank, len(ranks))
	for i, rank := range ranks {
		if _, dup := byKey[rank.RankKey]; dup {
			return Ladder{}, ErrDuplicateRankKey
		}
		rank.Position = i
		ordered[i] = rank
		byKey[rank.RankKey] = i
	}
	return Ladder{ranks: ordered, byKey: byKey}, nil
}

func (l Ladder) ByKey(rankKey string) (Rank, error) {
	idx, ok := l.byKey[rankKey]
	if !ok {
		return Rank{}, ErrUnknownRank
	}
	return l.ranks[idx], nil
}

// Next returns the rank one step above, or false at the top.
func (l Ladder) Next(rankKey string) (Rank, bool, error) {
	idx, ok := l.byKey[rankKey]
	if !ok {
		return Rank{}, false, ErrUnknownRank
	}
	if idx+1 >= len(l.ranks) {
		return Rank{}, false, nil
	}
	return l.ranks[idx+1], true, nil
}

// Previous returns the rank one step below, or false at the floor.
func (l Ladder) Previous(rankKey string) (Rank, bool, error) {
	idx, ok := l.byKey[rankKey]
	if !ok {
		return Rank{}, false, ErrUnknownRank
	}
	if idx == 0 {
		return Rank{}, false, nil
	}
	return l.ranks[idx-1], true, nil
}

func (l Ladder) Floor() Rank { return l.ranks[0] }

func (l Ladder) Ranks() []Rank { return l.ranks }

// LadderProvider yields the current ladder; implementations may hot-reload.
type LadderProvider interface {
	Ladder() (Ladder, error)
}

var (
	ErrUnknownRank      = errors.New("unknown_rank")
	ErrEmptyLadder      = errors.New("empty_ladder")
	ErrDuplicateRankKey = errors.New("duplicate_rank_key")
)
