package quota

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upb/gateway-dataplane/models"
)

var (
	//go:embed scripts/consume.lua
	consumeLuaScript string
	//go:embed scripts/reset.lua
	resetLuaScript string
	//go:embed scripts/archive.lua
	archiveLuaScript string
)

// RedisStore keeps consumption records in Redis hashes and applies every
// mutation through a Lua script, so check-and-increment is atomic across
// gateway replicas. Keys of one subscription share a hash tag and live in
// the same cluster slot.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	consume   *redis.Script
	reset     *redis.Script
	archive   *redis.Script
}

// NewRedisStore creates a Redis-backed Store.
// keyPrefix is prepended to all keys (e.g. "quota:v1:").
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		consume:   redis.NewScript(consumeLuaScript),
		reset:     redis.NewScript(resetLuaScript),
		archive:   redis.NewScript(archiveLuaScript),
	}
}

func (r *RedisStore) liveKey(subscriptionID, productID int64) string {
	return fmt.Sprintf("%s{%d}:%d", r.keyPrefix, subscriptionID, productID)
}

func (r *RedisStore) historyKey(subscriptionID, productID int64) string {
	return fmt.Sprintf("%s{%d}:%d:history", r.keyPrefix, subscriptionID, productID)
}

func (r *RedisStore) indexKey(subscriptionID int64) string {
	return fmt.Sprintf("%s{%d}:products", r.keyPrefix, subscriptionID)
}

// run executes a script, loading it once if Redis lost the script cache.
func (r *RedisStore) run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if _, loadErr := script.Load(ctx, r.client).Result(); loadErr != nil {
			return nil, fmt.Errorf("failed to load Lua script: %w", loadErr)
		}
		result, err = script.Run(ctx, r.client, keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	return result, nil
}

// Consume implements Store.
func (r *RedisStore) Consume(ctx context.Context, facts *models.PlanFacts, amount int64, now time.Time) (Decision, error) {
	key, end := CurrentPeriod(facts, now)

	result, err := r.run(ctx, r.consume,
		[]string{
			r.liveKey(facts.SubscriptionID, facts.ProductID),
			r.historyKey(facts.SubscriptionID, facts.ProductID),
			r.indexKey(facts.SubscriptionID),
		},
		key,
		amount,
		facts.Quota,
		now.UnixMilli(),
		facts.ProductID,
	)
	if err != nil {
		return Decision{}, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected consume script result %v", result)
	}
	admitted, _ := values[0].(int64)
	consumed, _ := values[1].(int64)

	return newDecision(facts.Quota, consumed, admitted == 1, key, end, now), nil
}

// Reset implements Store.
func (r *RedisStore) Reset(ctx context.Context, subscriptionID, productID int64, periodKey string) (bool, error) {
	result, err := r.run(ctx, r.reset, []string{r.liveKey(subscriptionID, productID)}, periodKey)
	if err != nil {
		return false, err
	}
	n, _ := result.(int64)
	return n == 1, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, subscriptionID, productID int64) (*models.ConsumptionRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.liveKey(subscriptionID, productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read consumption record: %w", err)
	}
	return parseLiveRecord(subscriptionID, productID, fields)
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, subscriptionID int64) ([]*models.ConsumptionRecord, error) {
	ids, err := r.productIDs(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.liveKey(subscriptionID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read consumption records: %w", err)
	}

	var records []*models.ConsumptionRecord
	for i, cmd := range cmds {
		rec, err := parseLiveRecord(subscriptionID, ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// History implements Store.
func (r *RedisStore) History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.historyKey(subscriptionID, productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read consumption history: %w", err)
	}

	records := make([]*models.ConsumptionRecord, 0, len(fields))
	for period, value := range fields {
		rec, err := parseHistoryValue(subscriptionID, productID, period, value)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PeriodKey < records[j].PeriodKey })
	return records, nil
}

// Archive implements Store.
func (r *RedisStore) Archive(ctx context.Context, subscriptionID int64) (int, error) {
	ids, err := r.productIDs(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, id := range ids {
		result, err := r.run(ctx, r.archive,
			[]string{r.liveKey(subscriptionID, id), r.historyKey(subscriptionID, id), r.indexKey(subscriptionID)},
			id,
		)
		if err != nil {
			return archived, err
		}
		if n, _ := result.(int64); n == 1 {
			archived++
		}
	}
	return archived, nil
}

// Ping checks connectivity for readiness probes.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) productIDs(ctx context.Context, subscriptionID int64) ([]int64, error) {
	members, err := r.client.SMembers(ctx, r.indexKey(subscriptionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list consumed products: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt product index entry %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func parseLiveRecord(subscriptionID, productID int64, fields map[string]string) (*models.ConsumptionRecord, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &models.ConsumptionRecord{
		SubscriptionID: subscriptionID,
		ProductID:      productID,
		PeriodKey:      fields["period"],
		ResetFlag:      fields["reset"] == "1",
		ResetPeriodKey: fields["reset_period"],
	}

	var err error
	if v := fields["consumed"]; v != "" {
		if rec.Consumed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt consumed value %q: %w", v, err)
		}
	}
	if v := fields["last"]; v != "" && v != "0" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt last call value %q: %w", v, err)
		}
		rec.LastAPICall = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

// parseHistoryValue decodes "consumed:lastMillis:archived".
func parseHistoryValue(subscriptionID, productID int64, period, value string) (*models.ConsumptionRecord, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("corrupt history entry %q", value)
	}
	consumed, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt history entry %q: %w", value, err)
	}
	last, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt history entry %q: %w", value, err)
	}

	rec := &models.ConsumptionRecord{
		SubscriptionID: subscriptionID,
		ProductID:      productID,
		PeriodKey:      period,
		Consumed:       consumed,
		Archived:       parts[2] == "1",
	}
	if last > 0 {
		rec.LastAPICall = time.UnixMilli(last).UTC()
	}
	return rec, nil
}
