package balance

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	keyBalancePrefix = "crash:balance:"
	keyOpPrefix      = "crash:op:"

	// Reservations left dangling by a dead process stay claimable for
	// recovery this long.
	opTTL = 24 * time.Hour
)

// Balances and payouts are stored as integer minor units so the Lua scripts
// can do exact arithmetic. The scale (decimal places per unit) is fixed per
// deployment.
type redisService struct {
	client *redis.Client
	scale  int32
}

// reserveScript atomically checks the balance, debits the stake and records
// the operation. A replay of an already-recorded opID is answered from the
// record instead of debiting twice.
var reserveScript = redis.NewScript(`
local op = KEYS[1]
local bal = KEYS[2]
local amount = tonumber(ARGV[1])
local state = redis.call('HGET', op, 'state')
if state then
  return {'ok', redis.call('GET', bal) or '0'}
end
local current = tonumber(redis.call('GET', bal) or '0')
if current < amount then
  return {'insufficient', tostring(current)}
end
local newbal = redis.call('DECRBY', bal, amount)
redis.call('HSET', op, 'state', 'reserved', 'amount', ARGV[1], 'bal', KEYS[2])
redis.call('EXPIRE', op, ARGV[2])
return {'ok', tostring(newbal)}
`)

var settleScript = redis.NewScript(`
local op = KEYS[1]
local state = redis.call('HGET', op, 'state')
if not state then
  return {'unknown', '0'}
end
if state == 'settled' then
  local bal = redis.call('HGET', op, 'bal')
  return {'ok', redis.call('GET', bal) or '0'}
end
if state ~= 'reserved' then
  return {'closed', '0'}
end
local bal = redis.call('HGET', op, 'bal')
local newbal = redis.call('INCRBY', bal, tonumber(ARGV[1]))
redis.call('HSET', op, 'state', 'settled')
return {'ok', tostring(newbal)}
`)

var releaseScript = redis.NewScript(`
local op = KEYS[1]
local state = redis.call('HGET', op, 'state')
if not state then
  return {'unknown', '0'}
end
if state == 'released' then
  return {'ok', '0'}
end
if state ~= 'reserved' then
  return {'closed', '0'}
end
local bal = redis.call('HGET', op, 'bal')
local amount = redis.call('HGET', op, 'amount')
local newbal = redis.call('INCRBY', bal, tonumber(amount))
redis.call('HSET', op, 'state', 'released')
return {'ok', tostring(newbal)}
`)

// NewRedis connects to Redis and returns the balance collaborator backed by
// it. Returns nil when Redis is unreachable, mirroring how callers treat a
// missing collaborator as fatal at startup.
func NewRedis(addr, password string, db int, scale int32) Service {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[BALANCE] Redis connection failed: %v", err)
		return nil
	}

	log.Println("[BALANCE] Redis connected successfully")
	return &redisService{client: client, scale: scale}
}

// NewRedisWithClient wraps an existing client; used by tests.
func NewRedisWithClient(client *redis.Client, scale int32) Service {
	return &redisService{client: client, scale: scale}
}

func (s *redisService) balanceKey(userID, asset string) string {
	return keyBalancePrefix + asset + ":" + userID
}

func (s *redisService) toUnits(d decimal.Decimal) int64 {
	return d.Shift(s.scale).IntPart()
}

func (s *redisService) fromUnits(raw string) decimal.Decimal {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero
	}
	return decimal.New(n, -s.scale)
}

func scriptReply(v interface{}) (status, value string) {
	reply, ok := v.([]interface{})
	if !ok || len(reply) != 2 {
		return "", "0"
	}
	status, _ = reply[0].(string)
	value, _ = reply[1].(string)
	return status, value
}

func (s *redisService) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, opID string) (decimal.Decimal, error) {
	keys := []string{keyOpPrefix + opID, s.balanceKey(userID, asset)}
	args := []interface{}{s.toUnits(amount), int64(opTTL.Seconds())}

	v, err := reserveScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("reserve %s: %w", opID, err)
	}

	status, raw := scriptReply(v)
	if status == "insufficient" {
		return s.fromUnits(raw), ErrInsufficientFunds
	}
	return s.fromUnits(raw), nil
}

func (s *redisService) Settle(ctx context.Context, opID string, payout decimal.Decimal) (decimal.Decimal, error) {
	v, err := settleScript.Run(ctx, s.client, []string{keyOpPrefix + opID}, s.toUnits(payout)).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("settle %s: %w", opID, err)
	}

	status, raw := scriptReply(v)
	switch status {
	case "unknown":
		return decimal.Zero, ErrUnknownOperation
	case "closed":
		return decimal.Zero, ErrOperationClosed
	}
	return s.fromUnits(raw), nil
}

func (s *redisService) Release(ctx context.Context, opID string) error {
	v, err := releaseScript.Run(ctx, s.client, []string{keyOpPrefix + opID}).Result()
	if err != nil {
		return fmt.Errorf("release %s: %w", opID, err)
	}

	status, _ := scriptReply(v)
	switch status {
	case "unknown":
		return ErrUnknownOperation
	case "closed":
		return ErrOperationClosed
	}
	return nil
}

func (s *redisService) ReservedOps(ctx context.Context) ([]string, error) {
	var ops []string
	iter := s.client.Scan(ctx, 0, keyOpPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		state, err := s.client.HGet(ctx, key, "state").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		if state == "reserved" {
			ops = append(ops, strings.TrimPrefix(key, keyOpPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *redisService) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	raw, err := s.client.Get(ctx, s.balanceKey(userID, asset)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return s.fromUnits(raw), nil
}

func (s *redisService) SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	return s.client.Set(ctx, s.balanceKey(userID, asset), s.toUnits(amount), 0).Err()
}

func (s *redisService) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *redisService) Close() error {
	log.Println("[BALANCE] Disconnecting from Redis")
	return s.client.Close()
}
