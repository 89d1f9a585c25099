package service

import (
	"github.com/uplinehq/matrix/internal/config"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
)

// holderLadderProvider adapts the hot-reloading config holder to the
// domain's ladder view. Each call sees the latest validated ladder.
type holderLadderProvider struct {
	holder *config.RankLadderHolder
}

func NewLadderProvider(holder *config.RankLadderHolder) rankdomain.LadderProvider {
	return &holderLadderProvider{holder: holder}
}

func (p *holderLadderProvider) Ladder() (rankdomain.Ladder, error) {
	entries := p.holder.Get().Ranks
	ranks := make([]rankdomain.Rank, 0, len(entries))
	for _, entry := range entries {
		ranks = append(ranks, rankdomain.Rank{
			RankKey:           entry.RankKey,
			RankName:          entry.RankName,
			WeeklyCapCents:    entry.WeeklyCapCents,
			EligibleDepth:     entry.EligibleDepth,
			MinActiveRecruits: int64(entry.MinActiveRecruits),
			MinTeamSize:       int64(entry.MinTeamSize),
			MinSupportActions: int64(entry.MinSupportActions),
			MinRetentionBps:   int64(entry.MinRetentionBps),
		})
	}
	return rankdomain.NewLadder(ranks)
}
