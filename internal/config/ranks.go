package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RankEntry is one position on the compensation ladder. Adding a rank is a
// configuration change, not a code change.
type RankEntry struct {
	RankKey           string `mapstructure:"rankKey"`
	RankName          string `mapstructure:"rankName"`
	WeeklyCapCents    int64  `mapstructure:"weeklyCapCents"`
	EligibleDepth     int    `mapstructure:"eligibleDepth"`
	MinActiveRecruits int    `mapstructure:"minActiveRecruits"`
	MinTeamSize       int    `mapstructure:"minTeamSize"`
	MinSupportActions int    `mapstructure:"minSupportActions"`
	MinRetentionBps   int    `mapstructure:"minRetentionBps"`
}

// RankLadderConfig is the ordered ladder, floor rank first.
type RankLadderConfig struct {
	Ranks []RankEntry `mapstructure:"ranks"`
}

func DefaultRankLadderConfig() RankLadderConfig {
	return RankLadderConfig{
		Ranks: []RankEntry{
			{RankKey: "starter", RankName: "Starter", WeeklyCapCents: 50_000, EligibleDepth: 1, MinActiveRecruits: 0, MinTeamSize: 0, MinSupportActions: 0, MinRetentionBps: 0},
			{RankKey: "builder", RankName: "Builder", WeeklyCapCents: 150_000, EligibleDepth: 2, MinActiveRecruits: 2, MinTeamSize: 5, MinSupportActions: 1, MinRetentionBps: 3000},
			{RankKey: "leader", RankName: "Leader", WeeklyCapCents: 400_000, EligibleDepth: 3, MinActiveRecruits: 4, MinTeamSize: 15, MinSupportActions: 2, MinRetentionBps: 4000},
			{RankKey: "director", RankName: "Director", WeeklyCapCents: 1_000_000, EligibleDepth: 5, MinActiveRecruits: 6, MinTeamSize: 50, MinSupportActions: 4, MinRetentionBps: 5000},
			{RankKey: "executive", RankName: "Executive", WeeklyCapCents: 2_500_000, EligibleDepth: 7, MinActiveRecruits: 8, MinTeamSize: 150, MinSupportActions: 6, MinRetentionBps: 5500},
			{RankKey: "diamond", RankName: "Diamond", WeeklyCapCents: 6_000_000, EligibleDepth: 10, MinActiveRecruits: 10, MinTeamSize: 400, MinSupportActions: 8, MinRetentionBps: 6000},
		},
	}
}

// RankLadderHolder exposes the current ladder and hot-reloads it when the
// backing file changes. Readers always see a fully validated ladder.
type RankLadderHolder struct {
	current atomic.Value // holds RankLadderConfig
}

func NewRankLadderHolder() (*RankLadderHolder, error) {
	v := viper.New()

	v.SetConfigName("ranks")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/matrix/config")
	v.AddConfigPath("/etc/matrix")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MATRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultRankLadderConfig()
	if fileFound {
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, err
		}
	}
	if err := validateRankLadder(cfg); err != nil {
		return nil, err
	}

	holder := &RankLadderHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated RankLadderConfig
			if err := v.Unmarshal(&updated); err != nil {
				log.Printf("[rank-config] reload failed: %v", err)
				return
			}
			if err := validateRankLadder(updated); err != nil {
				log.Printf("[rank-config] invalid ladder ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[rank-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticRankLadderHolder wraps a fixed ladder, used by tests.
func NewStaticRankLadderHolder(cfg RankLadderConfig) (*RankLadderHolder, error) {
	if err := validateRankLadder(cfg); err != nil {
		return nil, err
	}
	holder := &RankLadderHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *RankLadderHolder) Get() RankLadderConfig {
	return h.current.Load().(RankLadderConfig)
}

func validateRankLadder(cfg RankLadderConfig) error {
	if len(cfg.Ranks) == 0 {
		return errors.New("ranks cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Ranks))
	for i, rank := range cfg.Ranks {
		key := strings.TrimSpace(rank.RankKey)
		if key == "" {
			return errors.New("rank key cannot be empty")
		}
		if _, dup := seen[key]; dup {
			return errors.New("duplicate rank key: " + key)
		}
		seen[key] = struct{}{}
		if rank.WeeklyCapCents < 0 {
			return errors.New("weekly cap cannot be negative: " + key)
		}
		if rank.EligibleDepth < 0 {
			return errors.New("eligible depth cannot be negative: " + key)
		}
		if i > 0 && rank.WeeklyCapCents < cfg.Ranks[i-1].WeeklyCapCents {
			return errors.New("ladder caps must be non-decreasing: " + key)
		}
	}
	return nil
}
