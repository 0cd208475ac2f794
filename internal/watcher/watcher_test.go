package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestWatchReportsExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openstack_user_config.yml")
	if err := os.WriteFile(path, []byte("cidr_networks: {}\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	changed := make(chan struct{}, 1)
	w := New(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, log.New(io.Discard)).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watch loop time to register before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("cidr_networks: {mgmt: 10.0.0.0/24}\n"), 0o644); err != nil {
		t.Fatalf("modify file: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change callback")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch() = %v, want context.Canceled", err)
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openstack_user_config.yml")
	if err := os.WriteFile(path, []byte("used_ips: []\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	changed := make(chan struct{}, 1)
	w := New(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, log.New(io.Discard)).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.yml"), []byte("k: v\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-changed:
		t.Fatal("callback fired for a sibling file")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestWatchSeesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openstack_user_config.yml")
	if err := os.WriteFile(path, []byte("used_ips: []\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	changed := make(chan struct{}, 1)
	w := New(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, log.New(io.Discard)).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	// Write-then-rename, the way the editor itself saves.
	tmp := filepath.Join(dir, ".userconfig-tmp.yml")
	if err := os.WriteFile(tmp, []byte("used_ips: [\"10.0.0.5\"]\n"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change callback")
	}

	cancel()
	<-done
}
