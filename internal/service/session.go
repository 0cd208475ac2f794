// Package service owns the editing session: one in-memory view of the
// deploy directory's configuration, guarded so only a single load or
// save is ever in flight, with events published after every mutation.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"

	"stackwizard/internal/changes"
	"stackwizard/internal/domain"
	"stackwizard/internal/groupvars"
	"stackwizard/internal/journal"
	"stackwizard/internal/netconf"
	"stackwizard/internal/watcher"
)

// Session is the collaborator-facing API surface of the engine. All
// methods are safe for concurrent use; a load or save requested while
// another is pending is rejected with domain.ErrBusy rather than
// interleaved, and mutations are rejected while one is in flight.
type Session struct {
	mu   sync.Mutex
	busy bool

	networks *netconf.Reconciler
	services *groupvars.Store

	// serviceBaselines holds the merged view captured at the last
	// load or save of each service, for drift gating.
	serviceBaselines map[string]map[string]any

	bus     *Bus
	journal *journal.Journal
	log     *log.Logger
}

// NewSession opens an editing session over the deploy directory. The
// journal may be nil to disable mutation recording.
func NewSession(deployDir string, jnl *journal.Journal, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		networks:         netconf.New(filepath.Join(deployDir, netconf.UserConfigFile), logger),
		services:         groupvars.New(deployDir, logger),
		serviceBaselines: make(map[string]map[string]any),
		bus:              NewBus(),
		journal:          jnl,
		log:              logger,
	}
}

// Bus exposes the session's event bus for subscribers.
func (s *Session) Bus() *Bus { return s.bus }

// begin claims the session for a load or save. Exactly one may be in
// flight; a second request is rejected, never queued.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return domain.ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// record journals a mutation; journal trouble is logged, never fatal.
func (s *Session) record(ctx context.Context, op, target, detail string) {
	if err := s.journal.Record(ctx, op, target, detail); err != nil {
		s.log.Warn("journal write failed", "op", op, "err", err)
	}
}

// Load reads the network document and rebuilds the in-memory model,
// resetting the unsaved-changes baseline.
func (s *Session) Load(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	err := s.networks.Load()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record(ctx, "load", "networks", s.networks.Path())
	s.bus.Publish(Event{Type: EventNetworkLoaded})
	return nil
}

// Save persists the network document and re-baselines from the freshly
// written file. Returns domain.ErrNoChanges when nothing drifted; any
// failure leaves the dirty state intact so the operator can retry.
func (s *Session) Save(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	err := s.networks.Save()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record(ctx, "save", "networks", s.networks.Path())
	s.bus.Publish(Event{Type: EventNetworkSaved})
	return nil
}

// HasUnsavedChanges reports drift in the network document. Call before
// every destructive navigation.
func (s *Session) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.HasUnsavedChanges()
}

// mutate runs op under the session lock unless a load or save holds
// the session, then journals and publishes on success.
func (s *Session) mutate(ctx context.Context, event Event, opName, detail string, op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return domain.ErrBusy
	}
	if err := op(); err != nil {
		return err
	}
	s.record(ctx, opName, event.Target, detail)
	s.bus.Publish(event)
	return nil
}

// AddBlock validates and adds a network block.
func (s *Session) AddBlock(ctx context.Context, b domain.NetworkBlock) error {
	return s.mutate(ctx, Event{Type: EventBlockAdded, Target: b.Name}, "add_block", b.CIDR,
		func() error { return s.networks.AddBlock(b) })
}

// EditBlock validates and replaces the named block.
func (s *Session) EditBlock(ctx context.Context, name string, b domain.NetworkBlock) error {
	return s.mutate(ctx, Event{Type: EventBlockUpdated, Target: name}, "edit_block", b.CIDR,
		func() error { return s.networks.EditBlock(name, b) })
}

// DeleteBlock removes the named block. The caller confirms with the
// operator first; the engine does not second-guess.
func (s *Session) DeleteBlock(ctx context.Context, name string) error {
	return s.mutate(ctx, Event{Type: EventBlockDeleted, Target: name}, "delete_block", "",
		func() error { return s.networks.DeleteBlock(name) })
}

// AddProviderNetwork validates and appends a provider network.
func (s *Session) AddProviderNetwork(ctx context.Context, form domain.ProviderNetwork) error {
	return s.mutate(ctx, Event{Type: EventProviderNetworkAdded, Target: form.Bridge}, "add_provider_network", form.IPFromBlock,
		func() error { return s.networks.AddProviderNetwork(form) })
}

// EditProviderNetwork validates and updates the record at index.
func (s *Session) EditProviderNetwork(ctx context.Context, index int, form domain.ProviderNetwork) error {
	return s.mutate(ctx, Event{Type: EventProviderNetworkUpdated, Target: strconv.Itoa(index)}, "edit_provider_network", form.Bridge,
		func() error { return s.networks.EditProviderNetwork(index, form) })
}

// DeleteProviderNetwork removes the record at index.
func (s *Session) DeleteProviderNetwork(ctx context.Context, index int) error {
	return s.mutate(ctx, Event{Type: EventProviderNetworkDeleted, Target: strconv.Itoa(index)}, "delete_provider_network", "",
		func() error { return s.networks.DeleteProviderNetwork(index) })
}

// Blocks returns the network blocks in declared order.
func (s *Session) Blocks() []domain.NetworkBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.Blocks()
}

// BlockNames returns the names available to reference selectors.
func (s *Session) BlockNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.BlockNames()
}

// ProviderNetworks returns the provider network records in order.
func (s *Session) ProviderNetworks() []domain.ProviderNetwork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.ProviderNetworks()
}

// ProviderNetworkForm returns the record at index prepared for the
// edit form, with a dangling block reference blanked.
func (s *Session) ProviderNetworkForm(index int) (domain.ProviderNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.ProviderNetworkForm(index)
}

// Orphaned returns ranges that matched no block at load time.
func (s *Session) Orphaned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.Orphaned()
}

// InvalidBlocks returns blocks whose CIDR failed to parse at load.
func (s *Session) InvalidBlocks() []domain.NetworkBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.InvalidBlocks()
}

// OverlappingRanges reports ranges that collide inside their block.
func (s *Session) OverlappingRanges() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks.OverlappingRanges()
}

// LoadService migrates and merges one service's configuration and
// baselines it for drift gating. Returns the merged mapping.
func (s *Session) LoadService(ctx context.Context, name string) (map[string]any, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	merged, migrated, err := s.services.LoadService(name)
	if err != nil {
		return nil, err
	}
	for _, path := range migrated {
		s.record(ctx, "migrate_service_file", name, path)
	}
	s.mu.Lock()
	s.serviceBaselines[name] = changes.Snapshot(merged)
	s.mu.Unlock()
	s.record(ctx, "load_service", name, fmt.Sprintf("%d keys", len(merged)))
	s.bus.Publish(Event{Type: EventServiceLoaded, Target: name})
	return merged, nil
}

// ServiceHasChanges reports drift between current and the baseline
// captured at the service's last load or save.
func (s *Session) ServiceHasChanges(name string, current map[string]any) bool {
	s.mu.Lock()
	baseline, ok := s.serviceBaselines[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return changes.HasChanges(baseline, current)
}

// SaveService writes data to the service's override file and
// re-baselines. Returns domain.ErrNoChanges when nothing drifted since
// the last load or save.
func (s *Session) SaveService(ctx context.Context, name string, data map[string]any) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	baseline, ok := s.serviceBaselines[name]
	s.mu.Unlock()
	if ok && !changes.HasChanges(baseline, data) {
		return domain.ErrNoChanges
	}

	if err := s.services.SaveService(name, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.serviceBaselines[name] = changes.Snapshot(data)
	s.mu.Unlock()
	s.record(ctx, "save_service", name, groupvars.OverrideFile)
	s.bus.Publish(Event{Type: EventServiceSaved, Target: name})
	return nil
}

// Watch blocks, publishing an event whenever the network document is
// modified outside this session. The session does not auto-reload; the
// subscriber decides what to do with stale state.
func (s *Session) Watch(ctx context.Context) error {
	w := watcher.New(s.networks.Path(), func() {
		s.bus.Publish(Event{Type: EventExternalChange})
	}, s.log)
	return w.Watch(ctx)
}
