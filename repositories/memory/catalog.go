// Package memory serves the gateway catalog (API specifications, products,
// plans and subscriptions) from a YAML file held in memory.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
)

// Change lists the entities whose content differs between two catalog loads,
// including entities that were added or removed.
type Change struct {
	APISpecIDs      []string
	SubscriptionIDs []int64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.APISpecIDs) == 0 && len(c.SubscriptionIDs) == 0
}

// Catalog implements the catalog repositories over a YAML file. Readers see
// one consistent snapshot; a reload swaps it atomically.
type Catalog struct {
	path   string
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger

	mu       sync.Mutex
	onChange []func(Change)
	onReload []func(error)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewCatalog loads the catalog file at path.
func NewCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	c := &Catalog{
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	snap, err := c.load()
	if err != nil {
		return nil, err
	}
	c.snap.Store(snap)

	logger.Info("catalog loaded",
		zap.String("path", absPath),
		zap.Int("apis", len(snap.apis)),
		zap.Int("subscriptions", len(snap.subscriptions)))
	return c, nil
}

func (c *Catalog) load() (*snapshot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return parse(data, time.Now().UTC())
}

// Repositories exposes the catalog through the repository interfaces.
func (c *Catalog) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		APISpecs:      c,
		Products:      productView{c},
		Subscriptions: c,
	}
}

// GetAPISpec implements repositories.APISpecRepository
func (c *Catalog) GetAPISpec(ctx context.Context, id string) (*models.APISpec, error) {
	spec, ok := c.snap.Load().apis[id]
	if !ok {
		return nil, fmt.Errorf("api spec %s: %w", id, repositories.ErrNotFound)
	}
	cp := *spec
	return &cp, nil
}

// List implements repositories.APISpecRepository
func (c *Catalog) List(ctx context.Context) ([]*models.APISpec, error) {
	snap := c.snap.Load()
	specs := make([]*models.APISpec, 0, len(snap.apis))
	for _, spec := range snap.apis {
		cp := *spec
		specs = append(specs, &cp)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// GetByID implements repositories.SubscriptionRepository
func (c *Catalog) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	sub, ok := c.snap.Load().subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, repositories.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

// GetByConsumerKey implements repositories.SubscriptionRepository
func (c *Catalog) GetByConsumerKey(ctx context.Context, consumerKey string) (*models.Subscription, error) {
	snap := c.snap.Load()
	id, ok := snap.byConsumerKey[consumerKey]
	if !ok {
		return nil, fmt.Errorf("consumer key: %w", repositories.ErrNotFound)
	}
	cp := *snap.subscriptions[id]
	return &cp, nil
}

// productView serves products; its GetByID would clash with the subscription one.
type productView struct{ c *Catalog }

func (v productView) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	product, ok := v.c.snap.Load().products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, repositories.ErrNotFound)
	}
	cp := *product
	return &cp, nil
}

func (v productView) GetByAPISpecID(ctx context.Context, apiSpecID string) (*models.Product, error) {
	snap := v.c.snap.Load()
	spec, ok := snap.apis[apiSpecID]
	if !ok || spec.ProductID == 0 {
		return nil, fmt.Errorf("product for api %s: %w", apiSpecID, repositories.ErrNotFound)
	}
	cp := *snap.products[spec.ProductID]
	return &cp, nil
}

// OnChange registers a callback run after every reload that changed something.
func (c *Catalog) OnChange(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnReload registers a callback run after every reload attempt with its error.
func (c *Catalog) OnReload(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

func (c *Catalog) notifyReload(err error) {
	c.mu.Lock()
	hooks := append([]func(error){}, c.onReload...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Reload re-reads the file. A file that fails to parse keeps the old catalog.
func (c *Catalog) Reload() (Change, error) {
	next, err := c.load()
	if err != nil {
		c.logger.Error("catalog reload failed, keeping previous catalog",
			zap.String("path", c.path),
			zap.Error(err))
		c.notifyReload(err)
		return Change{}, err
	}

	c.mu.Lock()
	prev := c.snap.Swap(next)
	callbacks := append([]func(Change){}, c.onChange...)
	c.mu.Unlock()

	c.notifyReload(nil)

	change := diff(prev, next)
	if change.Empty() {
		c.logger.Debug("catalog reloaded without changes")
		return change, nil
	}

	c.logger.Info("catalog reloaded",
		zap.Strings("changed_apis", change.APISpecIDs),
		zap.Int64s("changed_subscriptions", change.SubscriptionIDs))
	for _, fn := range callbacks {
		fn(change)
	}
	return change, nil
}

// WatchFile reloads the catalog whenever the file is written or replaced.
// The directory is watched so editors' atomic saves are seen.
func (c *Catalog) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go c.watchLoop(watcher)
	c.logger.Info("watching catalog file", zap.String("path", c.path))
	return nil
}

// Stop ends file watching.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

func (c *Catalog) watchLoop(watcher *fsnotify.Watcher) {
	name := filepath.Base(c.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.logger.Debug("catalog file changed", zap.String("event", event.Op.String()))
				_, _ = c.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("catalog watcher error", zap.Error(err))
		case <-c.stopCh:
			return
		}
	}
}

func diff(prev, next *snapshot) Change {
	var change Change
	for id, spec := range next.apis {
		if old, ok := prev.apis[id]; !ok || !sameAPISpec(old, spec) {
			change.APISpecIDs = append(change.APISpecIDs, id)
		}
	}
	for id := range prev.apis {
		if _, ok := next.apis[id]; !ok {
			change.APISpecIDs = append(change.APISpecIDs, id)
		}
	}
	for id, sub := range next.subscriptions {
		if old, ok := prev.subscriptions[id]; !ok || !reflect.DeepEqual(old, sub) {
			change.SubscriptionIDs = append(change.SubscriptionIDs, id)
		}
	}
	for id := range prev.subscriptions {
		if _, ok := next.subscriptions[id]; !ok {
			change.SubscriptionIDs = append(change.SubscriptionIDs, id)
		}
	}
	sort.Strings(change.APISpecIDs)
	sort.Slice(change.SubscriptionIDs, func(i, j int) bool { return change.SubscriptionIDs[i] < change.SubscriptionIDs[j] })
	return change
}

// sameAPISpec ignores load timestamps, which differ on every reload.
func sameAPISpec(a, b *models.APISpec) bool {
	x, y := *a, *b
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	x.RequestPolicies, y.RequestPolicies = stripTimes(x.RequestPolicies), stripTimes(y.RequestPolicies)
	x.ResponsePolicies, y.ResponsePolicies = stripTimes(x.ResponsePolicies), stripTimes(y.ResponsePolicies)
	return reflect.DeepEqual(x, y)
}

func stripTimes(filters []models.PolicyFilter) []models.PolicyFilter {
	if filters == nil {
		return nil
	}
	out := make([]models.PolicyFilter, len(filters))
	for i, f := range filters {
		f.CreatedAt, f.UpdatedAt = time.Time{}, time.Time{}
		out[i] = f
	}
	return out
}
