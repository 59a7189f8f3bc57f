package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides portfolio-scoped Redis operations for the blackboard and the
// process-wide state that must survive a restart (provider health, audit records,
// the cycle lock). All keys are namespaced with the portfolio ID.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	portfolio string
}

// releaseLockScript deletes the cycle lock only if it still holds the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient creates a new blackboard client for the specified portfolio.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - portfolio: portfolio identifier (must not be empty)
//
// Returns an error if portfolio is empty.
func NewClient(redisOpts *redis.Options, portfolio string) (*Client, error) {
	if portfolio == "" {
		return nil, fmt.Errorf("portfolio cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		portfolio: portfolio,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Portfolio returns the portfolio this client is scoped to.
func (c *Client) Portfolio() string {
	return c.portfolio
}

// NextVersion atomically allocates the next version number for slot.
// Versions start at 1 and never repeat, across all cycles.
func (c *Client) NextVersion(ctx context.Context, slot string) (int64, error) {
	v, err := c.rdb.Incr(ctx, SlotVersionKey(c.portfolio, slot)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate version for slot %s: %w", slot, err)
	}
	return v, nil
}

// CommitEntry persists an entry for its cycle. The write is a SETNX: if the slot was
// already committed for the cycle, nothing is written and committed is false.
// On success the entry is added to the slot's version thread.
func (c *Client) CommitEntry(ctx context.Context, e *Entry) (committed bool, err error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid entry: %w", err)
	}

	raw, err := EncodeEntry(e)
	if err != nil {
		return false, err
	}

	key := CycleSlotKey(c.portfolio, e.CycleID, e.Slot)
	ok, err := c.rdb.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write entry to Redis: %w", err)
	}
	if !ok {
		return false, nil
	}

	z := redis.Z{Score: VersionScore(e.Version), Member: e.CycleID}
	if err := c.rdb.ZAdd(ctx, SlotThreadKey(c.portfolio, e.Slot), z).Err(); err != nil {
		return true, fmt.Errorf("entry committed but version thread update failed: %w", err)
	}

	return true, nil
}

// GetEntry retrieves the entry committed for slot in cycleID.
// Returns (nil, redis.Nil) if nothing was committed. Use IsNotFound() to check.
func (c *Client) GetEntry(ctx context.Context, cycleID, slot string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, CycleSlotKey(c.portfolio, cycleID, slot)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read entry from Redis: %w", err)
	}
	return DecodeEntry(raw)
}

// LatestCommitted returns the highest-version entry of slot committed by any cycle
// other than excludeCycleID. Returns (nil, redis.Nil) if the slot has never been committed.
func (c *Client) LatestCommitted(ctx context.Context, slot, excludeCycleID string) (*Entry, error) {
	results, err := c.rdb.ZRevRangeWithScores(ctx, SlotThreadKey(c.portfolio, slot), 0, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version thread: %w", err)
	}

	for _, z := range results {
		cycleID, ok := z.Member.(string)
		if !ok || cycleID == excludeCycleID {
			continue
		}
		return c.GetEntry(ctx, cycleID, slot)
	}

	return nil, redis.Nil
}

// AcquireCycleLock takes the per-portfolio cycle lock with the given token.
// Returns false if another cycle holds it. The TTL bounds how long a crashed
// process can block the portfolio.
func (c *Client) AcquireCycleLock(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, CycleLockKey(c.portfolio), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	return ok, nil
}

// ReleaseCycleLock releases the cycle lock if it is still held by token.
// Returns false if the lock had expired or belongs to someone else.
func (c *Client) ReleaseCycleLock(ctx context.Context, token string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, c.rdb, []string{CycleLockKey(c.portfolio)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release cycle lock: %w", err)
	}
	return n == 1, nil
}

// SaveProviderHealth stores one provider's serialized circuit-breaker state.
func (c *Client) SaveProviderHealth(ctx context.Context, providerID string, data []byte) error {
	if err := c.rdb.HSet(ctx, ProviderHealthKey(c.portfolio), providerID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to save provider health for %s: %w", providerID, err)
	}
	return nil
}

// LoadProviderHealth returns every persisted provider state keyed by provider ID.
// Returns an empty map if none exist.
func (c *Client) LoadProviderHealth(ctx context.Context) (map[string]string, error) {
	states, err := c.rdb.HGetAll(ctx, ProviderHealthKey(c.portfolio)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load provider health: %w", err)
	}
	return states, nil
}

// DeleteProviderHealth removes a provider's persisted state (operator reset).
func (c *Client) DeleteProviderHealth(ctx context.Context, providerID string) error {
	if err := c.rdb.HDel(ctx, ProviderHealthKey(c.portfolio), providerID).Err(); err != nil {
		return fmt.Errorf("failed to delete provider health for %s: %w", providerID, err)
	}
	return nil
}

// LoadHaltStart returns when the drawdown breaker entered halt.
// ok is false if the portfolio is not halted.
func (c *Client) LoadHaltStart(ctx context.Context) (since time.Time, ok bool, err error) {
	ms, err := c.rdb.Get(ctx, DrawdownHaltKey(c.portfolio)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to load drawdown halt start: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// SaveHaltStart records the halt start unless one is already recorded.
func (c *Client) SaveHaltStart(ctx context.Context, since time.Time) error {
	if err := c.rdb.SetNX(ctx, DrawdownHaltKey(c.portfolio), since.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("failed to save drawdown halt start: %w", err)
	}
	return nil
}

// ClearHaltStart removes the halt marker once drawdown recovers.
func (c *Client) ClearHaltStart(ctx context.Context) error {
	if err := c.rdb.Del(ctx, DrawdownHaltKey(c.portfolio)).Err(); err != nil {
		return fmt.Errorf("failed to clear drawdown halt start: %w", err)
	}
	return nil
}

// SaveCycleRecord stores a cycle's audit record and indexes it by start time.
// Both writes happen in one MULTI/EXEC transaction.
func (c *Client) SaveCycleRecord(ctx context.Context, cycleID string, startedAtMs int64, record []byte) error {
	if !isValidUUID(cycleID) {
		return fmt.Errorf("invalid cycle ID: not a valid UUID")
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, AuditRecordKey(c.portfolio, cycleID), string(record), 0)
	pipe.ZAdd(ctx, AuditIndexKey(c.portfolio), redis.Z{Score: float64(startedAtMs), Member: cycleID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cycle record: %w", err)
	}
	return nil
}

// GetCycleRecord retrieves a cycle's raw audit record.
// Returns (nil, redis.Nil) if the record doesn't exist.
func (c *Client) GetCycleRecord(ctx context.Context, cycleID string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, AuditRecordKey(c.portfolio, cycleID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read cycle record: %w", err)
	}
	return raw, nil
}

// ListCycleIDs returns cycle IDs whose start time falls within [sinceMs, untilMs],
// oldest first. Zero bounds are open.
func (c *Client) ListCycleIDs(ctx context.Context, sinceMs, untilMs int64) ([]string, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if sinceMs > 0 {
		rangeBy.Min = fmt.Sprintf("%d", sinceMs)
	}
	if untilMs > 0 {
		rangeBy.Max = fmt.Sprintf("%d", untilMs)
	}

	ids, err := c.rdb.ZRangeByScore(ctx, AuditIndexKey(c.portfolio), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}
	return ids, nil
}

// ScanCycleIDs returns all audited cycle IDs starting with prefix.
// Uses Redis SCAN to iterate without blocking the server.
func (c *Client) ScanCycleIDs(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := AuditRecordKey(c.portfolio, "")
	iter := c.rdb.Scan(ctx, 0, keyPrefix+prefix+"*", 0).Iterator()

	var ids []string
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cycle records: %w", err)
	}
	return ids, nil
}

// PublishCycleEvent publishes a finalized cycle record to cycle_events.
func (c *Client) PublishCycleEvent(ctx context.Context, record []byte) error {
	if err := c.rdb.Publish(ctx, CycleEventsChannel(c.portfolio), string(record)).Err(); err != nil {
		return fmt.Errorf("failed to publish cycle event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to cycle events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan json.RawMessage
	cancel func()
	once   sync.Once
}

// Events returns the channel of raw cycle records.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.events
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeCycleEvents subscribes to finalized cycle records for this portfolio.
// Events are delivered on a buffered channel (size 10); invalid JSON payloads are skipped.
func (c *Client) SubscribeCycleEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, CycleEventsChannel(c.portfolio))

	// Wait for the subscription to be confirmed so no event published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cycle events: %w", err)
	}

	eventsChan := make(chan json.RawMessage, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload := json.RawMessage(msg.Payload)
				if !json.Valid(payload) {
					continue
				}
				select {
				case eventsChan <- payload:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: eventsChan, cancel: cancelFunc}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
