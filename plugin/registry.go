package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/types"
)

// DefaultTimeout bounds a single plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onSessionOpened       []OnSessionOpened
	onSessionClosed       []OnSessionClosed
	onUsageReported       []OnUsageReported
	onSignatureRequested  []OnSignatureRequested
	onSettlementConfirmed []OnSettlementConfirmed
	onSettlementFailed    []OnSettlementFailed
	onSettlementBlocked   []OnSettlementBlocked
	onCircuitStateChanged []OnCircuitStateChanged
	onFeeBidUpdated       []OnFeeBidUpdated
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSessionOpened); ok {
		r.onSessionOpened = append(r.onSessionOpened, v)
	}
	if v, ok := p.(OnSessionClosed); ok {
		r.onSessionClosed = append(r.onSessionClosed, v)
	}
	if v, ok := p.(OnUsageReported); ok {
		r.onUsageReported = append(r.onUsageReported, v)
	}
	if v, ok := p.(OnSignatureRequested); ok {
		r.onSignatureRequested = append(r.onSignatureRequested, v)
	}
	if v, ok := p.(OnSettlementConfirmed); ok {
		r.onSettlementConfirmed = append(r.onSettlementConfirmed, v)
	}
	if v, ok := p.(OnSettlementFailed); ok {
		r.onSettlementFailed = append(r.onSettlementFailed, v)
	}
	if v, ok := p.(OnSettlementBlocked); ok {
		r.onSettlementBlocked = append(r.onSettlementBlocked, v)
	}
	if v, ok := p.(OnCircuitStateChanged); ok {
		r.onCircuitStateChanged = append(r.onCircuitStateChanged, v)
	}
	if v, ok := p.(OnFeeBidUpdated); ok {
		r.onFeeBidUpdated = append(r.onFeeBidUpdated, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnSessionOpened)(nil)).Elem(), "OnSessionOpened")
	checkInterface(reflect.TypeOf((*OnSessionClosed)(nil)).Elem(), "OnSessionClosed")
	checkInterface(reflect.TypeOf((*OnUsageReported)(nil)).Elem(), "OnUsageReported")
	checkInterface(reflect.TypeOf((*OnSignatureRequested)(nil)).Elem(), "OnSignatureRequested")
	checkInterface(reflect.TypeOf((*OnSettlementConfirmed)(nil)).Elem(), "OnSettlementConfirmed")
	checkInterface(reflect.TypeOf((*OnSettlementFailed)(nil)).Elem(), "OnSettlementFailed")
	checkInterface(reflect.TypeOf((*OnSettlementBlocked)(nil)).Elem(), "OnSettlementBlocked")
	checkInterface(reflect.TypeOf((*OnCircuitStateChanged)(nil)).Elem(), "OnCircuitStateChanged")
	checkInterface(reflect.TypeOf((*OnFeeBidUpdated)(nil)).Elem(), "OnFeeBidUpdated")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, f interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, f)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSessionOpened emits a session opened event.
func (r *Registry) EmitSessionOpened(ctx context.Context, ev SessionEvent) {
	r.mu.RLock()
	plugins := r.onSessionOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSessionOpened(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnSessionOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSessionClosed emits a session closed event.
func (r *Registry) EmitSessionClosed(ctx context.Context, ev SessionEvent) {
	r.mu.RLock()
	plugins := r.onSessionClosed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSessionClosed(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnSessionClosed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageReported emits a usage reported event.
func (r *Registry) EmitUsageReported(ctx context.Context, agent types.Address, amount, unsettled uint64) {
	r.mu.RLock()
	plugins := r.onUsageReported
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnUsageReported(ctx, agent, amount, unsettled)
		}); err != nil {
			r.logger.Warn("plugin OnUsageReported failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSignatureRequested emits a signature requested event.
func (r *Registry) EmitSignatureRequested(ctx context.Context, agent types.Address, amount, nonce uint64) {
	r.mu.RLock()
	plugins := r.onSignatureRequested
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSignatureRequested(ctx, agent, amount, nonce)
		}); err != nil {
			r.logger.Warn("plugin OnSignatureRequested failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementConfirmed emits a settlement confirmed event.
func (r *Registry) EmitSettlementConfirmed(ctx context.Context, ev SettlementEvent) {
	r.mu.RLock()
	plugins := r.onSettlementConfirmed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementConfirmed(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementConfirmed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementFailed emits a settlement failed event.
func (r *Registry) EmitSettlementFailed(ctx context.Context, ev SettlementEvent) {
	r.mu.RLock()
	plugins := r.onSettlementFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementFailed(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementBlocked emits a settlement blocked event.
func (r *Registry) EmitSettlementBlocked(ctx context.Context, agent types.Address, amount uint64) {
	r.mu.RLock()
	plugins := r.onSettlementBlocked
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementBlocked(ctx, agent, amount)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementBlocked failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCircuitStateChanged emits a breaker transition.
func (r *Registry) EmitCircuitStateChanged(ctx context.Context, from, to breaker.State) {
	r.mu.RLock()
	plugins := r.onCircuitStateChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCircuitStateChanged(ctx, from, to)
		}); err != nil {
			r.logger.Warn("plugin OnCircuitStateChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitFeeBidUpdated emits a fee bid update.
func (r *Registry) EmitFeeBidUpdated(ctx context.Context, bid feeoracle.Bid) {
	r.mu.RLock()
	plugins := r.onFeeBidUpdated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnFeeBidUpdated(ctx, bid)
		}); err != nil {
			r.logger.Warn("plugin OnFeeBidUpdated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the settlement pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	t := time.NewTimer(r.timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
