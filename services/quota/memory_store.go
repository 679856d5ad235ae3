package quota

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/upb/gateway-dataplane/models"
)

const defaultMemoryShards = 32

// slot holds the live record of one (subscription, product) pair.
type slot struct {
	mu      sync.Mutex
	live    *models.ConsumptionRecord
	history map[string]*models.ConsumptionRecord
}

type memoryShard struct {
	mu    sync.RWMutex
	slots map[int64]map[int64]*slot
}

// MemoryStore is a sharded in-memory Store. Shards are keyed by subscription,
// and each slot has its own mutex so products never contend.
type MemoryStore struct {
	shards []*memoryShard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{shards: make([]*memoryShard, defaultMemoryShards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{slots: make(map[int64]map[int64]*slot)}
	}
	return s
}

func (s *MemoryStore) shard(subscriptionID int64) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(subscriptionID, 10)))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// slot returns the slot of the pair, creating it when create is set.
func (s *MemoryStore) slot(subscriptionID, productID int64, create bool) *slot {
	sh := s.shard(subscriptionID)

	sh.mu.RLock()
	sl := sh.slots[subscriptionID][productID]
	sh.mu.RUnlock()
	if sl != nil || !create {
		return sl
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	products, ok := sh.slots[subscriptionID]
	if !ok {
		products = make(map[int64]*slot)
		sh.slots[subscriptionID] = products
	}
	if sl = products[productID]; sl == nil {
		sl = &slot{history: make(map[string]*models.ConsumptionRecord)}
		products[productID] = sl
	}
	return sl
}

func (s *MemoryStore) slots(subscriptionID int64) []*slot {
	sh := s.shard(subscriptionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ids := make([]int64, 0, len(sh.slots[subscriptionID]))
	for id := range sh.slots[subscriptionID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*slot, 0, len(ids))
	for _, id := range ids {
		out = append(out, sh.slots[subscriptionID][id])
	}
	return out
}

// Consume implements Store.
func (s *MemoryStore) Consume(ctx context.Context, facts *models.PlanFacts, amount int64, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	sl := s.slot(facts.SubscriptionID, facts.ProductID, true)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	out := Evaluate(sl.live, facts, amount, now)
	if out.Previous != nil {
		sl.history[out.Previous.PeriodKey] = out.Previous
	}
	if out.Next != nil {
		sl.live = out.Next
	}
	return out.Decision, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, subscriptionID, productID int64, periodKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sl := s.slot(subscriptionID, productID, false)
	if sl == nil {
		return false, nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	next, ok := ApplyReset(sl.live, periodKey)
	if ok {
		sl.live = next
	}
	return ok, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, subscriptionID, productID int64) (*models.ConsumptionRecord, error) {
	sl := s.slot(subscriptionID, productID, false)
	if sl == nil {
		return nil, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.live.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, subscriptionID int64) ([]*models.ConsumptionRecord, error) {
	var records []*models.ConsumptionRecord
	for _, sl := range s.slots(subscriptionID) {
		sl.mu.Lock()
		if sl.live != nil {
			records = append(records, sl.live.Clone())
		}
		sl.mu.Unlock()
	}
	return records, nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error) {
	sl := s.slot(subscriptionID, productID, false)
	if sl == nil {
		return nil, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	records := make([]*models.ConsumptionRecord, 0, len(sl.history))
	for _, rec := range sl.history {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PeriodKey < records[j].PeriodKey })
	return records, nil
}

// Archive implements Store.
func (s *MemoryStore) Archive(ctx context.Context, subscriptionID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	archived := 0
	for _, sl := range s.slots(subscriptionID) {
		sl.mu.Lock()
		if sl.live != nil {
			rec := sl.live
			rec.Archived = true
			sl.history[rec.PeriodKey] = rec
			sl.live = nil
			archived++
		}
		sl.mu.Unlock()
	}
	return archived, nil
}
