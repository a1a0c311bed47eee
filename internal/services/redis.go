package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arena-control-backend/internal/config"
	"arena-control-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisService is the round store. RoundConfig lives in a single hash,
// every UnsavedGame in its own hash, and the pending set indexes the
// UnsavedGames that still need reconciliation.
type RedisService struct {
	client *redis.Client
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisService{client: client}, nil
}

func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// SeedRoundConfig writes defaults for every RoundConfig field that is not
// already present. Existing values, including the round id, are kept.
func (s *RedisService) SeedRoundConfig(ctx context.Context, defaults *models.RoundConfig) error {
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, KeyRoundConfig, "round_id", defaults.RoundID)
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_item_amount_per_legit_player", formatFloat(defaults.RewardItemAmountPerLegitPlayer))
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_item_amount_max", formatFloat(defaults.RewardItemAmountMax))
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_winner_amount_per_legit_player", formatFloat(defaults.RewardWinnerAmountPerLegitPlayer))
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_winner_amount_max", formatFloat(defaults.RewardWinnerAmountMax))
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_item_amount", "0")
	pipe.HSetNX(ctx, KeyRoundConfig, "reward_winner_amount", "0")
	for feature, at := range defaults.Drops {
		pipe.HSetNX(ctx, KeyRoundDrops, feature, at)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed round config: %w", err)
	}
	return nil
}

func (s *RedisService) GetRoundConfig(ctx context.Context) (*models.RoundConfig, error) {
	res := s.client.HGetAll(ctx, KeyRoundConfig)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to get round config: %w", err)
	}
	if len(res.Val()) == 0 {
		return nil, fmt.Errorf("round config: %w", ErrNotFound)
	}

	var cfg models.RoundConfig
	if err := res.Scan(&cfg); err != nil {
		return nil, fmt.Errorf("failed to scan round config: %w", err)
	}

	drops, err := s.client.HGetAll(ctx, KeyRoundDrops).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get drops: %w", err)
	}
	cfg.Drops = make(map[string]int64, len(drops))
	for feature, raw := range drops {
		at, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("drop %q has invalid timestamp %q", feature, raw)
		}
		cfg.Drops[feature] = at
	}

	return &cfg, nil
}

// SaveRewardTotals persists the computed totals of the current round.
func (s *RedisService) SaveRewardTotals(ctx context.Context, itemAmount, winnerAmount float64) error {
	err := s.client.HSet(ctx, KeyRoundConfig,
		"reward_item_amount", formatFloat(itemAmount),
		"reward_winner_amount", formatFloat(winnerAmount),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save reward totals: %w", err)
	}
	return nil
}

func (s *RedisService) SetDrop(ctx context.Context, feature string, unlockAt int64) error {
	if err := s.client.HSet(ctx, KeyRoundDrops, feature, unlockAt).Err(); err != nil {
		return fmt.Errorf("failed to set drop %s: %w", feature, err)
	}
	return nil
}

var checkpointScript = redis.NewScript(`
	local key = KEYS[1]
	local pending = KEYS[2]

	local status = redis.call("HGET", key, "status")
	if status and status ~= "0" then
		return 0
	end

	redis.call("HSET", key,
		"gsid", ARGV[1],
		"round_id", ARGV[2],
		"status", "0",
		"updated_at", ARGV[6])
	if ARGV[3] ~= "" then
		redis.call("HSET", key,
			"reward_item_amount", ARGV[3],
			"reward_winner_amount", ARGV[4])
	end
	if ARGV[5] ~= "" then
		redis.call("HSET", key, "round", ARGV[5])
	end
	redis.call("SADD", pending, ARGV[7])

	return 1
`)

// Checkpoint creates or updates a pending UnsavedGame. A record that was
// already settled is left untouched and false is returned. A nil round
// keeps whatever round state was checkpointed before, and nil totals keep
// the reward snapshot.
func (s *RedisService) Checkpoint(ctx context.Context, gsid string, roundID int64, round *models.RoundState, totals *models.RewardTotals) (bool, error) {
	var encoded string
	if round != nil {
		data, err := json.Marshal(round)
		if err != nil {
			return false, fmt.Errorf("failed to marshal round: %w", err)
		}
		encoded = string(data)
	}

	var itemAmount, winnerAmount string
	if totals != nil {
		itemAmount = formatFloat(totals.ItemAmount)
		winnerAmount = formatFloat(totals.WinnerAmount)
	}

	key := fmt.Sprintf(KeyUnsavedGame, gsid, roundID)
	applied, err := checkpointScript.Run(ctx, s.client,
		[]string{key, KeyUnsavedPending},
		gsid, roundID, itemAmount, winnerAmount, encoded,
		time.Now().UnixMilli(), pendingMember(gsid, roundID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to checkpoint round %d on %s: %w", roundID, gsid, err)
	}

	return applied == 1, nil
}

func (s *RedisService) GetUnsavedGame(ctx context.Context, gsid string, roundID int64) (*models.UnsavedGame, error) {
	key := fmt.Sprintf(KeyUnsavedGame, gsid, roundID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get unsaved game: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("unsaved game %s/%d: %w", gsid, roundID, ErrNotFound)
	}

	return parseUnsavedGame(fields)
}

// PendingUnsavedGames lists unsettled records, restricted to gsid unless
// gsid is empty.
func (s *RedisService) PendingUnsavedGames(ctx context.Context, gsid string) ([]*models.UnsavedGame, error) {
	members, err := s.client.SMembers(ctx, KeyUnsavedPending).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending games: %w", err)
	}

	var games []*models.UnsavedGame
	for _, member := range members {
		memberGSID, roundID, ok := parsePendingMember(member)
		if !ok {
			continue
		}
		if gsid != "" && memberGSID != gsid {
			continue
		}

		game, err := s.GetUnsavedGame(ctx, memberGSID, roundID)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, KeyUnsavedPending, member)
			continue
		}
		if err != nil {
			return nil, err
		}
		if game.Status.Settled() {
			s.client.SRem(ctx, KeyUnsavedPending, member)
			continue
		}

		games = append(games, game)
	}

	return games, nil
}

var settleScript = redis.NewScript(`
	local unsaved = KEYS[1]
	local config = KEYS[2]
	local pending = KEYS[3]
	local resultKey = KEYS[4]
	local results = KEYS[5]
	local last = KEYS[6]

	local roundId = tonumber(ARGV[1])
	local status = ARGV[2]

	local current = redis.call("HGET", unsaved, "status")
	if current and current ~= "0" then
		return {0, tonumber(current), tonumber(redis.call("HGET", config, "round_id") or "0")}
	end

	redis.call("HSET", unsaved,
		"gsid", ARGV[3],
		"round_id", ARGV[1],
		"status", status,
		"updated_at", ARGV[5])
	redis.call("SREM", pending, ARGV[4])

	if roundId > tonumber(redis.call("GET", last) or "-1") then
		redis.call("SET", last, ARGV[1])
	end

	if ARGV[6] ~= "" then
		redis.call("SET", resultKey, ARGV[6])
		redis.call("SADD", results, ARGV[3])
	end

	local configRound = tonumber(redis.call("HGET", config, "round_id") or "0")
	if ARGV[7] == "1" and configRound <= roundId then
		configRound = roundId + 1
		redis.call("HSET", config, "round_id", configRound)
	end

	return {1, tonumber(status), configRound}
`)

// SettleOutcome reports what SettleRound did.
type SettleOutcome struct {
	Applied     bool
	Status      models.RoundStatus
	NextRoundID int64
}

// SettleRound atomically marks the UnsavedGame of (gsid, roundID) with
// status, stores result when given, and advances the round id past
// roundID when advance is set. A record that is already settled is not
// touched and its existing status is reported with Applied false.
func (s *RedisService) SettleRound(ctx context.Context, gsid string, roundID int64, status models.RoundStatus, result *models.RoundResult, advance bool) (*SettleOutcome, error) {
	var encoded string
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal round result: %w", err)
		}
		encoded = string(data)
	}

	advanceFlag := "0"
	if advance {
		advanceFlag = "1"
	}

	keys := []string{
		fmt.Sprintf(KeyUnsavedGame, gsid, roundID),
		KeyRoundConfig,
		KeyUnsavedPending,
		fmt.Sprintf(KeyRoundResult, roundID, gsid),
		fmt.Sprintf(KeyRoundResults, roundID),
		fmt.Sprintf(KeyLastSettled, gsid),
	}

	values, err := settleScript.Run(ctx, s.client, keys,
		roundID, int(status), gsid, pendingMember(gsid, roundID),
		time.Now().UnixMilli(), encoded, advanceFlag,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to settle round %d on %s: %w", roundID, gsid, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected settle reply: %v", values)
	}

	return &SettleOutcome{
		Applied:     values[0] == 1,
		Status:      models.RoundStatus(values[1]),
		NextRoundID: values[2],
	}, nil
}

// LastSettledRound returns the highest round id settled for gsid.
func (s *RedisService) LastSettledRound(ctx context.Context, gsid string) (int64, error) {
	roundID, err := s.client.Get(ctx, fmt.Sprintf(KeyLastSettled, gsid)).Int64()
	if err == redis.Nil {
		return 0, fmt.Errorf("last settled round of %s: %w", gsid, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last settled round: %w", err)
	}
	return roundID, nil
}

func (s *RedisService) GetRoundResult(ctx context.Context, roundID int64, gsid string) (*models.RoundResult, error) {
	key := fmt.Sprintf(KeyRoundResult, roundID, gsid)

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("round result %d/%s: %w", roundID, gsid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round result: %w", err)
	}

	var result models.RoundResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round result: %w", err)
	}
	return &result, nil
}

func (s *RedisService) ListRoundResults(ctx context.Context, roundID int64) ([]*models.RoundResult, error) {
	gsids, err := s.client.SMembers(ctx, fmt.Sprintf(KeyRoundResults, roundID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list round results: %w", err)
	}

	if len(gsids) == 0 {
		return []*models.RoundResult{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(gsids))
	for i, gsid := range gsids {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyRoundResult, roundID, gsid))
	}

	_, err = pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	results := make([]*models.RoundResult, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}

		var result models.RoundResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			continue
		}
		results = append(results, &result)
	}

	return results, nil
}

// RegisterGameServer records the instance that called init.
func (s *RedisService) RegisterGameServer(ctx context.Context, gsid, remoteAddr string) error {
	key := fmt.Sprintf(KeyGameServer, gsid)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "gsid", gsid, "remote_addr", remoteAddr, "registered_at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, TTLGameServer)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register game server %s: %w", gsid, err)
	}
	return nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, subject, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func parseUnsavedGame(fields map[string]string) (*models.UnsavedGame, error) {
	game := &models.UnsavedGame{GSID: fields["gsid"]}

	var err error
	if game.RoundID, err = strconv.ParseInt(fields["round_id"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid round_id %q: %w", fields["round_id"], err)
	}
	if raw := fields["reward_item_amount"]; raw != "" {
		if game.RewardItemAmount, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("invalid reward_item_amount %q: %w", raw, err)
		}
	}
	if raw := fields["reward_winner_amount"]; raw != "" {
		if game.RewardWinnerAmount, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("invalid reward_winner_amount %q: %w", raw, err)
		}
	}
	if raw := fields["status"]; raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid status %q: %w", raw, err)
		}
		game.Status = models.RoundStatus(status)
	}
	if raw := fields["updated_at"]; raw != "" {
		game.UpdatedAt, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := fields["round"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &game.Round); err != nil {
			return nil, fmt.Errorf("failed to unmarshal round: %w", err)
		}
	}

	return game, nil
}

func pendingMember(gsid string, roundID int64) string {
	return fmt.Sprintf("%s|%d", gsid, roundID)
}

func parsePendingMember(member string) (string, int64, bool) {
	gsid, raw, ok := strings.Cut(member, "|")
	if !ok {
		return "", 0, false
	}
	roundID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return gsid, roundID, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
