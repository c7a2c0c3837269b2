package config

import (
	"errors"
	"fmt"
	"os"
)

var validDataModes = map[string]bool{
	"live_file": true,
	"replay":    true,
	"upstream":  true,
	"mock":      true,
}

// Validate rejects boot configurations the runtime cannot honor. Error
// messages double as machine-readable exit reasons.
func (c *Config) Validate() error {
	if !validDataModes[c.Runtime.DataMode] {
		return fmt.Errorf("invalid_runtime_data_mode:%s", c.Runtime.DataMode)
	}

	if c.Strict.LiveMode {
		if c.Runtime.DataMode != "live_file" {
			return errors.New("strict_live_mode_requires_runtime_data_mode_live_file")
		}
		if c.Live.FramesPathCN == "" && c.Live.FramesPathUS == "" {
			return errors.New("strict_live_mode_requires_live_frames_path")
		}
	}

	// Configured live paths must be readable; strict mode turns a bad
	// path into a boot failure instead of a degraded provider.
	if c.Strict.LiveMode {
		if c.Live.FramesPathCN != "" {
			if _, err := os.Stat(c.Live.FramesPathCN); err != nil {
				return fmt.Errorf("live_frames_path_cn_unreadable:%s", c.Live.FramesPathCN)
			}
		}
		if c.Live.FramesPathUS != "" {
			if _, err := os.Stat(c.Live.FramesPathUS); err != nil {
				return fmt.Errorf("live_frames_path_us_unreadable:%s", c.Live.FramesPathUS)
			}
		}
	}

	if c.Runtime.DataMode == "replay" && c.Replay.FramesDir == "" {
		return errors.New("replay_mode_requires_replay_frames_dir")
	}
	if c.Runtime.DataMode == "upstream" && c.Market.UpstreamURL == "" {
		return errors.New("upstream_mode_requires_market_upstream_url")
	}

	if c.Agent.RuntimeCycleMs < 1_000 {
		return fmt.Errorf("invalid_agent_runtime_cycle_ms:%d", c.Agent.RuntimeCycleMs)
	}
	if c.Agent.DecisionEveryBars < 1 {
		return fmt.Errorf("invalid_agent_decision_every_bars:%d", c.Agent.DecisionEveryBars)
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("invalid_replay_speed:%v", c.Replay.Speed)
	}

	if c.Bets.HouseEdge < 0 || c.Bets.HouseEdge > 0.5 {
		return fmt.Errorf("invalid_bets_house_edge:%v", c.Bets.HouseEdge)
	}
	if c.Bets.StakeMin < 1 || c.Bets.StakeMax < c.Bets.StakeMin {
		return errors.New("invalid_bets_stake_bounds")
	}

	if c.Chat.RateLimitPerMin < 1 {
		return fmt.Errorf("invalid_chat_rate_limit_per_min:%d", c.Chat.RateLimitPerMin)
	}
	if c.Chat.PublicPlainReplyRate < 0 || c.Chat.PublicPlainReplyRate > 1 {
		return fmt.Errorf("invalid_chat_public_plain_reply_rate:%v", c.Chat.PublicPlainReplyRate)
	}
	if c.Room.EventsBufferSize < 1 {
		return fmt.Errorf("invalid_room_events_buffer_size:%d", c.Room.EventsBufferSize)
	}

	return nil
}
