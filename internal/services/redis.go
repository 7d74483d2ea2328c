package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crash-round-backend/internal/config"
	"crash-round-backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RedisService is the balance collaborator and the home of the rate limiter
// and the recent crash list. Balances are integer cents in a hash per user.
type RedisService struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisService(cfg *config.Config, log zerolog.Logger) (*RedisService, error) {
	client := redis.NewClient(redisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return &RedisService{
		client: client,
		log:    log,
	}, nil
}

// redisOptions makes go-redis honour context deadlines on socket I/O, so the
// wallet timeout bounds every balance call.
func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:                  cfg.RedisURL,
		Password:              cfg.RedisPass,
		DB:                    cfg.RedisDB,
		ContextTimeoutEnabled: true,
	}
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

var debitScript = redis.NewScript(`
	local wallet = KEYS[1]
	local ref = KEYS[2]
	local amount = tonumber(ARGV[1])

	if redis.call("EXISTS", ref) == 1 then
		return 0
	end
	if redis.call("EXISTS", wallet) == 0 then
		redis.call("HSET", wallet, "balance", ARGV[2], "wagered", 0, "won", 0)
	end

	local balance = tonumber(redis.call("HGET", wallet, "balance"))
	if balance < amount then
		return redis.error_reply("insufficient balance")
	end

	redis.call("HINCRBY", wallet, "balance", -amount)
	redis.call("HINCRBY", wallet, "wagered", amount)
	redis.call("SET", ref, "debited", "EX", ARGV[3])
	return 1
`)

var creditScript = redis.NewScript(`
	local wallet = KEYS[1]
	local ref = KEYS[2]
	local amount = tonumber(ARGV[1])

	if redis.call("EXISTS", ref) == 1 then
		return 0
	end
	if redis.call("EXISTS", wallet) == 0 then
		redis.call("HSET", wallet, "balance", ARGV[2], "wagered", 0, "won", 0)
	end

	redis.call("HINCRBY", wallet, "balance", amount)
	redis.call("HINCRBY", wallet, "won", amount)
	redis.call("SET", ref, "credited", "EX", ARGV[3])
	return 1
`)

// reverseScript marks the ref before checking it, so a debit that arrives
// after its reversal is a no-op.
var reverseScript = redis.NewScript(`
	local wallet = KEYS[1]
	local ref = KEYS[2]
	local amount = tonumber(ARGV[1])

	local state = redis.call("GET", ref)
	redis.call("SET", ref, "reversed", "EX", ARGV[2])
	if state ~= "debited" then
		return 0
	end

	redis.call("HINCRBY", wallet, "balance", amount)
	redis.call("HINCRBY", wallet, "wagered", -amount)
	return 1
`)

// Debit takes amount from the user's balance. Repeating a debit with the
// same ref has no further effect.
func (s *RedisService) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error {
	keys := []string{fmt.Sprintf(KeyWallet, userID), fmt.Sprintf(KeyWalletRef, "bet", ref.BetID)}
	applied, err := debitScript.Run(ctx, s.client, keys,
		toCents(amount), DefaultStartingBalanceCents, int(TTLWalletRef.Seconds())).Int()
	if err != nil {
		if strings.Contains(err.Error(), "insufficient balance") {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if applied == 1 {
		s.recordTransaction(ctx, userID, models.TransactionTypeBet, amount, ref)
	}
	return nil
}

// Credit pays amount to the user once per ref.
func (s *RedisService) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error {
	keys := []string{fmt.Sprintf(KeyWallet, userID), fmt.Sprintf(KeyWalletRef, "win", ref.BetID)}
	applied, err := creditScript.Run(ctx, s.client, keys,
		toCents(amount), DefaultStartingBalanceCents, int(TTLWalletRef.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	if applied == 1 {
		s.recordTransaction(ctx, userID, models.TransactionTypeWin, amount, ref)
	}
	return nil
}

func (s *RedisService) Reverse(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error {
	keys := []string{fmt.Sprintf(KeyWallet, userID), fmt.Sprintf(KeyWalletRef, "bet", ref.BetID)}
	applied, err := reverseScript.Run(ctx, s.client, keys, toCents(amount), int(TTLWalletRef.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("failed to reverse debit: %w", err)
	}
	if applied == 1 {
		s.log.Info().Str("user_id", userID).Str("bet_id", ref.BetID).Msg("timed out debit reversed")
	}
	return nil
}

func (s *RedisService) GetBalance(ctx context.Context, userID string) (*models.Wallet, error) {
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(KeyWallet, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %v", err)
	}

	wallet := &models.Wallet{
		UserID:       userID,
		Balance:      fromCents(DefaultStartingBalanceCents),
		TotalWagered: decimal.Zero,
		TotalWon:     decimal.Zero,
	}
	if len(fields) == 0 {
		return wallet, nil
	}

	for name, dst := range map[string]*decimal.Decimal{
		"balance": &wallet.Balance,
		"wagered": &wallet.TotalWagered,
		"won":     &wallet.TotalWon,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt wallet field %s: %v", name, err)
		}
		*dst = fromCents(v)
	}
	return wallet, nil
}

func (s *RedisService) DeleteWallet(ctx context.Context, userID string) error {
	return s.client.Del(ctx, fmt.Sprintf(KeyWallet, userID)).Err()
}

func (s *RedisService) recordTransaction(ctx context.Context, userID string, typ models.TransactionType, amount decimal.Decimal, ref WalletRef) {
	tx := &models.Transaction{
		ID:          models.GenerateTransactionID(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		RoundID:     ref.RoundID,
		BetID:       ref.BetID,
		Description: fmt.Sprintf("crash %s", typ),
		CreatedAt:   time.Now(),
	}
	if err := s.SaveTransaction(ctx, tx); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Str("bet_id", ref.BetID).Msg("failed to record transaction")
	}
}

func (s *RedisService) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	txKey := fmt.Sprintf(KeyTransaction, tx.ID)

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %v", err)
	}

	userTxKey := fmt.Sprintf(KeyUserTransactions, tx.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, txKey, data, TTLTransaction)
		pipe.ZAdd(ctx, userTxKey, redis.Z{
			Score:  float64(tx.CreatedAt.UnixNano()),
			Member: tx.ID,
		})
		// Keep only the most recent transactions
		pipe.ZRemRangeByRank(ctx, userTxKey, 0, -(userTxLimit + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save transaction: %v", err)
	}
	return nil
}

func (s *RedisService) GetUserTransactions(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error) {
	if limit <= 0 || limit > userTxLimit {
		limit = 50
	}

	userTxKey := fmt.Sprintf(KeyUserTransactions, userID)

	txIDs, err := s.client.ZRevRange(ctx, userTxKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction IDs: %v", err)
	}
	if len(txIDs) == 0 {
		return []*models.Transaction{}, nil
	}

	keys := make([]string, len(txIDs))
	for i, id := range txIDs {
		keys[i] = fmt.Sprintf(KeyTransaction, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %v", err)
	}

	transactions := make([]*models.Transaction, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var tx models.Transaction
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			continue
		}
		transactions = append(transactions, &tx)
	}

	return transactions, nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, userID string, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %v", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func (s *RedisService) ClearRateLimit(ctx context.Context, userID, action string) error {
	return s.client.Del(ctx, fmt.Sprintf(KeyRateLimit, userID, action)).Err()
}

// PushHistory prepends a crashed round to the shared recent list.
func (s *RedisService) PushHistory(ctx context.Context, summary models.RoundSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal round summary: %v", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, KeyCrashHistory, data)
		pipe.LTrim(ctx, KeyCrashHistory, 0, crashHistoryLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push crash history: %v", err)
	}
	return nil
}

func (s *RedisService) RecentHistory(ctx context.Context, limit int64) ([]models.RoundSummary, error) {
	if limit <= 0 || limit > crashHistoryLen {
		limit = crashHistoryLen
	}
	items, err := s.client.LRange(ctx, KeyCrashHistory, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read crash history: %v", err)
	}

	out := make([]models.RoundSummary, 0, len(items))
	for _, item := range items {
		var summary models.RoundSummary
		if err := json.Unmarshal([]byte(item), &summary); err != nil {
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
