package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLadder(t *testing.T) Ladder {
	t.Helper()
	ladder, err := NewLadder([]Rank{
		{RankKey: "starter", WeeklyCapCents: 50_000},
		{RankKey: "builder", WeeklyCapCents: 150_000},
		{RankKey: "leader", WeeklyCapCents: 400_000},
	})
	require.NoError(t, err)
	return ladder
}

func TestNewLadderRejectsEmptyAndDuplicates(t *testing.T) {
	_, err := NewLadder(nil)
	assert.ErrorIs(t, err, ErrEmptyLadder)

	_, err = NewLadder([]Rank{{RankKey: "starter"}, {RankKey: "starter"}})
	assert.ErrorIs(t, err, ErrDuplicateRankKey)
}

func TestLadderByKey(t *testing.T) {
	ladder := testLadder(t)

	rank, err := ladder.ByKey("builder")
	require.NoError(t, err)
	assert.Equal(t, 1, rank.Position)

	_, err = ladder.ByKey("phantom")
	assert.ErrorIs(t, err, ErrUnknownRank)
}

func TestLadderNextAndPrevious(t *testing.T) {
	ladder := testLadder(t)

	next, ok, err := ladder.Next("starter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "builder", next.RankKey)

	_, ok, err = ladder.Next("leader")
	require.NoError(t, err)
	assert.False(t, ok)

	prev, ok, err := ladder.Previous("builder")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "starter", prev.RankKey)

	_, ok, err = ladder.Previous("starter")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ladder.Next("phantom")
	assert.ErrorIs(t, err, ErrUnknownRank)
}

func TestLadderFloor(t *testing.T) {
	assert.Equal(t, "starter", testLadder(t).Floor().RankKey)
}
