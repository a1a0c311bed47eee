package models

import "fmt"

// RoundStatus marks how an UnsavedGame was resolved. The zero value means
// the round has not been reconciled yet.
type RoundStatus int

const (
	RoundStatusPending    RoundStatus = 0
	RoundStatusResolved   RoundStatus = 1
	RoundStatusFailed     RoundStatus = 2
	RoundStatusSuperseded RoundStatus = 3
)

func (s RoundStatus) String() string {
	switch s {
	case RoundStatusPending:
		return "pending"
	case RoundStatusResolved:
		return "resolved"
	case RoundStatusFailed:
		return "failed"
	case RoundStatusSuperseded:
		return "superseded"
	}
	return fmt.Sprintf("RoundStatus(%d)", int(s))
}

// Settled reports whether the round no longer needs reconciliation.
func (s RoundStatus) Settled() bool {
	return s != RoundStatusPending
}

// Feature names gated by RoundConfig.Drops.
const (
	DropGuardian = "guardian"
	DropTrinket  = "trinket"
	DropRuneword = "runeword"
)

type RoundConfig struct {
	RoundID int64 `json:"roundId" redis:"round_id"`

	RewardItemAmountPerLegitPlayer   float64 `json:"rewardItemAmountPerLegitPlayer" redis:"reward_item_amount_per_legit_player"`
	RewardItemAmountMax              float64 `json:"rewardItemAmountMax" redis:"reward_item_amount_max"`
	RewardWinnerAmountPerLegitPlayer float64 `json:"rewardWinnerAmountPerLegitPlayer" redis:"reward_winner_amount_per_legit_player"`
	RewardWinnerAmountMax            float64 `json:"rewardWinnerAmountMax" redis:"reward_winner_amount_max"`

	RewardItemAmount   float64 `json:"rewardItemAmount" redis:"reward_item_amount"`
	RewardWinnerAmount float64 `json:"rewardWinnerAmount" redis:"reward_winner_amount"`

	// Drops maps a feature name to the epoch millisecond it unlocks at.
	Drops map[string]int64 `json:"drops" redis:"-"`
}

// DropUnlocked reports whether feature is active at nowMillis. Features
// without an unlock timestamp are never active.
func (c *RoundConfig) DropUnlocked(feature string, nowMillis int64) bool {
	at, ok := c.Drops[feature]
	if !ok {
		return false
	}
	return nowMillis >= at
}

type Player struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Points  int64  `json:"points,omitempty"`
	Bot     bool   `json:"bot,omitempty"`
}

// RoundState is the serialized in-flight round a game server checkpoints.
type RoundState struct {
	StartedAt int64    `json:"startedAt"`
	EndedAt   int64    `json:"endedAt"`
	Players   []Player `json:"players"`
	Winners   []Player `json:"winners"`
}

func (r *RoundState) Validate() error {
	if r.StartedAt <= 0 {
		return fmt.Errorf("round has no start time")
	}
	if r.EndedAt < r.StartedAt {
		return fmt.Errorf("round ended at %d before it started at %d", r.EndedAt, r.StartedAt)
	}
	return nil
}

// Empty reports whether nothing was ever checkpointed into the state.
func (r *RoundState) Empty() bool {
	return r.StartedAt == 0 && len(r.Players) == 0 && len(r.Winners) == 0
}

// UnsavedGame is the crash-recovery record for one round on one game
// server instance.
type UnsavedGame struct {
	GSID               string      `json:"gsid"`
	RoundID            int64       `json:"roundId"`
	Round              RoundState  `json:"round"`
	RewardItemAmount   float64     `json:"rewardItemAmount"`
	RewardWinnerAmount float64     `json:"rewardWinnerAmount"`
	Status             RoundStatus `json:"status"`
	UpdatedAt          int64       `json:"updatedAt"`
}

// RewardTotals are the reward amounts snapshotted onto an UnsavedGame.
type RewardTotals struct {
	ItemAmount   float64 `json:"itemAmount"`
	WinnerAmount float64 `json:"winnerAmount"`
}

type WinnerReward struct {
	Player Player  `json:"player"`
	Amount float64 `json:"amount"`
}

type RoundResult struct {
	GSID               string         `json:"gsid"`
	RoundID            int64          `json:"roundId"`
	StartedAt          int64          `json:"startedAt"`
	EndedAt            int64          `json:"endedAt"`
	Players            []Player       `json:"players"`
	Winners            []WinnerReward `json:"winners"`
	RewardItemAmount   float64        `json:"rewardItemAmount"`
	RewardWinnerAmount float64        `json:"rewardWinnerAmount"`
	Recovered          bool           `json:"recovered"`
	SettledAt          int64          `json:"settledAt"`
}
