package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"
)

// RoundStore is the persistence the settlement engine needs. RedisService
// implements it.
type RoundStore interface {
	GetRoundConfig(ctx context.Context) (*models.RoundConfig, error)
	SaveRewardTotals(ctx context.Context, itemAmount, winnerAmount float64) error
	Checkpoint(ctx context.Context, gsid string, roundID int64, round *models.RoundState, totals *models.RewardTotals) (bool, error)
	GetUnsavedGame(ctx context.Context, gsid string, roundID int64) (*models.UnsavedGame, error)
	PendingUnsavedGames(ctx context.Context, gsid string) ([]*models.UnsavedGame, error)
	LastSettledRound(ctx context.Context, gsid string) (int64, error)
	GetRoundResult(ctx context.Context, roundID int64, gsid string) (*models.RoundResult, error)
	SettleRound(ctx context.Context, gsid string, roundID int64, status models.RoundStatus, result *models.RoundResult, advance bool) (*SettleOutcome, error)
}

type SettlementEngine struct {
	store   RoundStore
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// configureMu serialises the read-compute-write of the reward totals.
	configureMu sync.Mutex
}

func NewSettlementEngine(store RoundStore, logger *slog.Logger, metrics *observability.Metrics) *SettlementEngine {
	return &SettlementEngine{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// LegitPlayerCount counts clients eligible for reward computation: bots
// are excluded and clients sharing an address are counted once.
func LegitPlayerCount(clients []models.Client) int {
	seen := make(map[string]bool, len(clients))
	count := 0
	for _, client := range clients {
		if client.Bot {
			continue
		}
		identity := client.Address
		if identity == "" {
			identity = "id:" + client.ID
		}
		if seen[identity] {
			continue
		}
		seen[identity] = true
		count++
	}
	return count
}

// ComputeRewards returns the capped item and winner totals for count
// legit players.
func ComputeRewards(cfg *models.RoundConfig, count int) (itemAmount, winnerAmount float64) {
	if count < 0 {
		count = 0
	}
	itemAmount = math.Min(cfg.RewardItemAmountPerLegitPlayer*float64(count), cfg.RewardItemAmountMax)
	winnerAmount = math.Min(cfg.RewardWinnerAmountPerLegitPlayer*float64(count), cfg.RewardWinnerAmountMax)
	return math.Max(itemAmount, 0), math.Max(winnerAmount, 0)
}

// Configure computes the reward totals of the current round from the
// connected clients, persists them and opens the UnsavedGame of gsid for
// the current round. Pending rounds gsid left behind are recovered first.
func (e *SettlementEngine) Configure(ctx context.Context, gsid string, clients []models.Client) (*models.RoundConfig, error) {
	e.configureMu.Lock()
	defer e.configureMu.Unlock()

	cfg, err := e.store.GetRoundConfig(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := e.recover(ctx, gsid, cfg.RoundID); err != nil {
		e.logger.Warn("recovering stale rounds failed", "gsid", gsid, "error", err)
	}

	count := LegitPlayerCount(clients)
	cfg.RewardItemAmount, cfg.RewardWinnerAmount = ComputeRewards(cfg, count)

	if err := e.store.SaveRewardTotals(ctx, cfg.RewardItemAmount, cfg.RewardWinnerAmount); err != nil {
		return nil, err
	}

	totals := &models.RewardTotals{ItemAmount: cfg.RewardItemAmount, WinnerAmount: cfg.RewardWinnerAmount}
	if _, err := e.store.Checkpoint(ctx, gsid, cfg.RoundID, nil, totals); err != nil {
		return nil, err
	}

	e.logger.Info("round configured",
		"gsid", gsid,
		"round_id", cfg.RoundID,
		"legit_players", count,
		"reward_item_amount", cfg.RewardItemAmount,
		"reward_winner_amount", cfg.RewardWinnerAmount,
	)

	return cfg, nil
}

// Checkpoint stores the in-flight state of a round. Without a round id
// the state goes to the open round of the instance. It returns false when
// the round was already settled or the instance has no open round.
func (e *SettlementEngine) Checkpoint(ctx context.Context, req *models.CheckpointRequest) (bool, error) {
	var game *models.UnsavedGame
	var err error
	if req.RoundID == 0 {
		game, err = e.openRound(ctx, req.GSID)
		if errors.Is(err, ErrNoOpenRound) {
			e.logger.Warn("checkpoint without open round", "gsid", req.GSID)
			return false, nil
		}
	} else {
		game, err = e.store.GetUnsavedGame(ctx, req.GSID, req.RoundID)
		if errors.Is(err, ErrNotFound) {
			game, err = nil, nil
		}
	}
	if err != nil {
		return false, err
	}

	roundID := req.RoundID
	if game != nil {
		roundID = game.RoundID
	}

	var totals *models.RewardTotals
	switch {
	case game == nil:
		cfg, err := e.store.GetRoundConfig(ctx)
		if err != nil {
			return false, err
		}
		totals = &models.RewardTotals{ItemAmount: cfg.RewardItemAmount, WinnerAmount: cfg.RewardWinnerAmount}
		if req.RewardWinnerAmount > 0 {
			totals.WinnerAmount = req.RewardWinnerAmount
		}
	case req.RewardWinnerAmount > 0:
		totals = &models.RewardTotals{ItemAmount: game.RewardItemAmount, WinnerAmount: req.RewardWinnerAmount}
	}

	return e.store.Checkpoint(ctx, req.GSID, roundID, &req.Round, totals)
}

// SaveRound finalizes a round reported by a live game server. Without a
// round id the save belongs to the open round of the instance; a retry of
// a save that already settled is recognised by its start time. Saving a
// round that is already settled is a no-op that reports the stored status.
func (e *SettlementEngine) SaveRound(ctx context.Context, req *models.SaveRoundRequest) (*SettleOutcome, error) {
	round := req.Round()
	if err := round.Validate(); err != nil {
		e.metrics.Settlements.WithLabelValues("invalid", "false").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRound, err)
	}

	cfg, err := e.store.GetRoundConfig(ctx)
	if err != nil {
		return nil, err
	}

	var game *models.UnsavedGame
	if req.RoundID == 0 {
		if e.alreadySaved(ctx, req.GSID, req.StartedDate) {
			e.metrics.Settlements.WithLabelValues("duplicate", "false").Inc()
			return &SettleOutcome{Status: models.RoundStatusResolved, NextRoundID: cfg.RoundID}, nil
		}
		game, err = e.openRound(ctx, req.GSID)
		if errors.Is(err, ErrNoOpenRound) {
			e.metrics.Settlements.WithLabelValues("orphan", "false").Inc()
		}
	} else {
		game, err = e.store.GetUnsavedGame(ctx, req.GSID, req.RoundID)
		if errors.Is(err, ErrNotFound) {
			game, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	roundID := req.RoundID
	itemAmount, winnerAmount := cfg.RewardItemAmount, cfg.RewardWinnerAmount
	if game != nil {
		if game.Status.Settled() {
			e.metrics.Settlements.WithLabelValues("duplicate", "false").Inc()
			return &SettleOutcome{Status: game.Status, NextRoundID: cfg.RoundID}, nil
		}
		roundID = game.RoundID
		itemAmount, winnerAmount = game.RewardItemAmount, game.RewardWinnerAmount
	}

	result := e.buildResult(req.GSID, roundID, round, itemAmount, winnerAmount, false)
	outcome, err := e.store.SettleRound(ctx, req.GSID, roundID, models.RoundStatusResolved, result, true)
	if err != nil {
		e.metrics.Settlements.WithLabelValues("error", "false").Inc()
		return nil, err
	}

	if !outcome.Applied {
		e.metrics.Settlements.WithLabelValues("duplicate", "false").Inc()
		return outcome, nil
	}

	e.metrics.Settlements.WithLabelValues("settled", "false").Inc()
	e.logger.Info("round saved",
		"gsid", req.GSID,
		"round_id", roundID,
		"winners", len(result.Winners),
		"reward_winner_amount", winnerAmount,
		"next_round_id", outcome.NextRoundID,
	)

	return outcome, nil
}

// openRound returns the newest pending UnsavedGame of gsid.
func (e *SettlementEngine) openRound(ctx context.Context, gsid string) (*models.UnsavedGame, error) {
	games, err := e.store.PendingUnsavedGames(ctx, gsid)
	if err != nil {
		return nil, err
	}

	var open *models.UnsavedGame
	for _, game := range games {
		if open == nil || game.RoundID > open.RoundID {
			open = game
		}
	}
	if open == nil {
		return nil, fmt.Errorf("%s: %w", gsid, ErrNoOpenRound)
	}
	return open, nil
}

// alreadySaved reports whether the last round settled for gsid has a
// result that started at startedAt.
func (e *SettlementEngine) alreadySaved(ctx context.Context, gsid string, startedAt int64) bool {
	roundID, err := e.store.LastSettledRound(ctx, gsid)
	if err != nil {
		return false
	}
	result, err := e.store.GetRoundResult(ctx, roundID, gsid)
	return err == nil && result.StartedAt == startedAt
}

// RecoverInstance settles every pending round of gsid from its last
// checkpoint. It is used when the instance died before saving.
func (e *SettlementEngine) RecoverInstance(ctx context.Context, gsid string) (int, error) {
	return e.recover(ctx, gsid, -1)
}

// RecoverAll settles every pending round of every instance. It runs at
// supervisor startup, when no instance from a previous run is alive.
func (e *SettlementEngine) RecoverAll(ctx context.Context) (int, error) {
	return e.recover(ctx, "", -1)
}

// recover settles pending rounds of gsid (all instances when empty),
// skipping the round with id keep.
func (e *SettlementEngine) recover(ctx context.Context, gsid string, keep int64) (int, error) {
	games, err := e.store.PendingUnsavedGames(ctx, gsid)
	if err != nil {
		return 0, err
	}

	var errs []error
	recovered := 0
	for _, game := range games {
		if game.RoundID == keep {
			continue
		}
		applied, err := e.recoverGame(ctx, game)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			recovered++
		}
	}

	return recovered, errors.Join(errs...)
}

func (e *SettlementEngine) recoverGame(ctx context.Context, game *models.UnsavedGame) (bool, error) {
	round := game.Round
	if round.EndedAt == 0 {
		round.EndedAt = game.UpdatedAt
	}

	status := models.RoundStatusResolved
	var result *models.RoundResult
	switch {
	case round.Empty():
		status = models.RoundStatusSuperseded
	case round.Validate() != nil:
		status = models.RoundStatusFailed
	default:
		result = e.buildResult(game.GSID, game.RoundID, round, game.RewardItemAmount, game.RewardWinnerAmount, true)
	}

	outcome, err := e.store.SettleRound(ctx, game.GSID, game.RoundID, status, result, status == models.RoundStatusResolved)
	if err != nil {
		e.metrics.Settlements.WithLabelValues("error", "true").Inc()
		return false, err
	}
	if !outcome.Applied {
		e.metrics.Settlements.WithLabelValues("duplicate", "true").Inc()
		return false, nil
	}

	e.metrics.Settlements.WithLabelValues(status.String(), "true").Inc()
	e.logger.Warn("round recovered from checkpoint",
		"gsid", game.GSID,
		"round_id", game.RoundID,
		"status", status.String(),
		"reward_winner_amount", game.RewardWinnerAmount,
	)

	return true, nil
}

// buildResult splits winnerAmount evenly between the winners.
func (e *SettlementEngine) buildResult(gsid string, roundID int64, round models.RoundState, itemAmount, winnerAmount float64, recovered bool) *models.RoundResult {
	winners := make([]models.WinnerReward, 0, len(round.Winners))
	if len(round.Winners) > 0 {
		share := winnerAmount / float64(len(round.Winners))
		for _, winner := range round.Winners {
			winners = append(winners, models.WinnerReward{Player: winner, Amount: share})
		}
	}

	players := round.Players
	if players == nil {
		players = []models.Player{}
	}

	return &models.RoundResult{
		GSID:               gsid,
		RoundID:            roundID,
		StartedAt:          round.StartedAt,
		EndedAt:            round.EndedAt,
		Players:            players,
		Winners:            winners,
		RewardItemAmount:   itemAmount,
		RewardWinnerAmount: winnerAmount,
		Recovered:          recovered,
		SettledAt:          e.now().UnixMilli(),
	}
}

// ParseRoundID parses a round id path parameter.
func ParseRoundID(raw string) (int64, error) {
	roundID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || roundID < 0 {
		return 0, fmt.Errorf("invalid round id %q", raw)
	}
	return roundID, nil
}
