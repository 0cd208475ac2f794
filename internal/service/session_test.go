package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"stackwizard/internal/domain"
	"stackwizard/internal/journal"
	"stackwizard/internal/netconf"
)

const networkDoc = `---
cidr_networks: &cidr_networks
  mgmt: 10.0.0.0/24
used_ips:
  - "10.0.0.5,10.0.0.10"
global_overrides:
  cidr_networks: *cidr_networks
  provider_networks: []
`

func newTestSession(t *testing.T, jnl *journal.Journal) (*Session, string) {
	t.Helper()
	deploy := t.TempDir()
	path := filepath.Join(deploy, netconf.UserConfigFile)
	if err := os.WriteFile(path, []byte(networkDoc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return NewSession(deploy, jnl, log.New(io.Discard)), deploy
}

// nextEvent pulls the next published event without blocking: events are
// published synchronously, so it is already buffered by the time the
// session call returns.
func nextEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected a published event")
		return Event{}
	}
}

func TestSessionPublishesEvents(t *testing.T) {
	session, _ := newTestSession(t, nil)
	ctx := context.Background()

	events := make(chan Event, 8)
	session.Bus().Subscribe(events)

	if err := session.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != EventNetworkLoaded {
		t.Errorf("event = %s, want %s", ev.Type, EventNetworkLoaded)
	}

	err := session.AddBlock(ctx, domain.NetworkBlock{Name: "storage", CIDR: "192.168.10.0/24"})
	if err != nil {
		t.Fatalf("AddBlock() error: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Type != EventBlockAdded || ev.Target != "storage" {
		t.Errorf("event = %+v, want block_added for storage", ev)
	}
}

func TestSessionRejectedMutationPublishesNothing(t *testing.T) {
	session, _ := newTestSession(t, nil)
	ctx := context.Background()
	if err := session.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	events := make(chan Event, 8)
	session.Bus().Subscribe(events)

	err := session.AddBlock(ctx, domain.NetworkBlock{Name: "mgmt", CIDR: "10.9.0.0/24"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddBlock() = %v, want *domain.ValidationError", err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v after a rejected mutation", ev)
	default:
	}
}

func TestSessionSaveLifecycle(t *testing.T) {
	session, _ := newTestSession(t, nil)
	ctx := context.Background()

	if err := session.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if session.HasUnsavedChanges() {
		t.Fatal("fresh load should be clean")
	}

	if err := session.AddBlock(ctx, domain.NetworkBlock{Name: "storage", CIDR: "192.168.10.0/24"}); err != nil {
		t.Fatalf("AddBlock() error: %v", err)
	}
	if !session.HasUnsavedChanges() {
		t.Fatal("mutation should register as drift")
	}

	if err := session.Save(ctx); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if session.HasUnsavedChanges() {
		t.Error("save should clear drift")
	}
	if err := session.Save(ctx); !errors.Is(err, domain.ErrNoChanges) {
		t.Errorf("second Save() = %v, want ErrNoChanges", err)
	}
	if names := session.BlockNames(); len(names) != 2 {
		t.Errorf("BlockNames() = %v, want both blocks after save", names)
	}
}

func TestSessionServiceLifecycle(t *testing.T) {
	session, deploy := newTestSession(t, nil)
	ctx := context.Background()

	dir := filepath.Join(deploy, "group_vars", "glance")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "defaults.yml"), []byte("workers: 2\n"), 0o644); err != nil {
		t.Fatalf("write defaults: %v", err)
	}

	merged, err := session.LoadService(ctx, "glance")
	if err != nil {
		t.Fatalf("LoadService() error: %v", err)
	}
	if merged["workers"] != 2 {
		t.Fatalf("merged = %v, want defaults visible", merged)
	}

	// Saving the unmodified view is a no-op.
	if err := session.SaveService(ctx, "glance", merged); !errors.Is(err, domain.ErrNoChanges) {
		t.Fatalf("SaveService() = %v, want ErrNoChanges", err)
	}

	merged["workers"] = 8
	if !session.ServiceHasChanges("glance", merged) {
		t.Error("modified view should register as drift")
	}
	if err := session.SaveService(ctx, "glance", merged); err != nil {
		t.Fatalf("SaveService() error: %v", err)
	}
	if session.ServiceHasChanges("glance", merged) {
		t.Error("save should re-baseline the service")
	}
	if err := session.SaveService(ctx, "glance", merged); !errors.Is(err, domain.ErrNoChanges) {
		t.Errorf("repeat SaveService() = %v, want ErrNoChanges", err)
	}
}

func TestServiceHasChangesUnknownService(t *testing.T) {
	session, _ := newTestSession(t, nil)
	if session.ServiceHasChanges("never-loaded", map[string]any{"k": "v"}) {
		t.Error("a service that was never loaded has no baseline to drift from")
	}
}

func TestSessionBusyGate(t *testing.T) {
	session, _ := newTestSession(t, nil)
	ctx := context.Background()
	if err := session.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Claim the session the way an in-flight load or save does:
	// everything else must be rejected, never queued.
	if err := session.begin(); err != nil {
		t.Fatalf("begin() error: %v", err)
	}

	if err := session.Load(ctx); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("Load() = %v, want ErrBusy", err)
	}
	if err := session.Save(ctx); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("Save() = %v, want ErrBusy", err)
	}
	if err := session.AddBlock(ctx, domain.NetworkBlock{Name: "storage", CIDR: "192.168.10.0/24"}); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("AddBlock() = %v, want ErrBusy", err)
	}
	if err := session.DeleteBlock(ctx, "mgmt"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("DeleteBlock() = %v, want ErrBusy", err)
	}
	if _, err := session.LoadService(ctx, "glance"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("LoadService() = %v, want ErrBusy", err)
	}
	if err := session.SaveService(ctx, "glance", map[string]any{"workers": 8}); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("SaveService() = %v, want ErrBusy", err)
	}
	if names := session.BlockNames(); len(names) != 1 {
		t.Errorf("BlockNames() = %v, want the model untouched by rejected calls", names)
	}

	session.end()
	if err := session.Load(ctx); err != nil {
		t.Errorf("Load() after release = %v, want success", err)
	}
}

func TestBusConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Subscribe(make(chan Event, 1))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: EventNetworkLoaded})
			}
		}()
	}
	wg.Wait()

	// A subscriber registered after the churn still receives events.
	ch := make(chan Event, 1)
	bus.Subscribe(ch)
	bus.Publish(Event{Type: EventNetworkSaved, Target: "networks"})
	if ev := nextEvent(t, ch); ev.Type != EventNetworkSaved {
		t.Errorf("event = %+v, want network_saved", ev)
	}
}

func TestSessionRecordsMutations(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jnl.Close()

	session, _ := newTestSession(t, jnl)
	ctx := context.Background()

	if err := session.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := session.AddBlock(ctx, domain.NetworkBlock{Name: "storage", CIDR: "192.168.10.0/24"}); err != nil {
		t.Fatalf("AddBlock() error: %v", err)
	}

	entries, err := jnl.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want load + add_block", len(entries))
	}
	if entries[0].Op != "add_block" || entries[0].Target != "storage" {
		t.Errorf("newest entry = %+v, want the block mutation", entries[0])
	}
	if entries[1].Op != "load" {
		t.Errorf("oldest entry = %+v, want the load", entries[1])
	}
}
