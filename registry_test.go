package labsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func testDevice(hostname, deviceType string, tags ...string) Device {
	return Device{
		Hostname:   hostname,
		DeviceType: deviceType,
		Tags:       tags,
		Health:     HealthGood,
		Status:     StatusIdle,
	}
}

func TestFindEligibleFiltersTypeTagsAndHealth(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	mustAdd := func(dev Device) {
		if err := reg.Add(ctx, dev); err != nil {
			t.Fatalf("Add returned error: %v", err)
		}
	}
	mustAdd(testDevice("qemu01", "qemu", "kvm"))
	mustAdd(testDevice("qemu02", "qemu"))
	mustAdd(testDevice("panda01", "panda", "kvm"))

	bad := testDevice("qemu03", "qemu", "kvm")
	bad.Health = HealthBad
	mustAdd(bad)

	offline := testDevice("qemu04", "qemu", "kvm")
	offline.Status = StatusOffline
	mustAdd(offline)

	got := reg.FindEligible("qemu", []string{"kvm"})
	if len(got) != 1 || got[0] != "qemu01" {
		t.Fatalf("expected [qemu01], got %v", got)
	}
	if got := reg.FindEligible("qemu", nil); len(got) != 2 {
		t.Fatalf("expected 2 eligible qemu devices, got %v", got)
	}
}

func TestFindEligibleOrdersOldestIdleFirst(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	older := testDevice("qemu02", "qemu")
	older.LastIdle = time.Now().Add(-time.Hour)
	newer := testDevice("qemu01", "qemu")
	newer.LastIdle = time.Now()
	if err := reg.Add(ctx, newer); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if err := reg.Add(ctx, older); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	got := reg.FindEligible("qemu", nil)
	if len(got) != 2 || got[0] != "qemu02" || got[1] != "qemu01" {
		t.Fatalf("expected oldest-idle first [qemu02 qemu01], got %v", got)
	}
}

func TestReserveIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	if err := reg.Add(ctx, testDevice("qemu01", "qemu")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if err := reg.Reserve(ctx, "qemu01", "job-1", false); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	err := reg.Reserve(ctx, "qemu01", "job-2", false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	dev, _ := reg.Get("qemu01")
	if dev.Status != StatusReserved || dev.CurrentJob != "job-1" {
		t.Fatalf("unexpected device state after reserve: %+v", dev)
	}
}

func TestConcurrentReservesHaveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	if err := reg.Add(ctx, testDevice("qemu01", "qemu")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	const passes = 32
	var wg sync.WaitGroup
	wins := make(chan int, passes)
	for i := 0; i < passes; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Reserve(ctx, "qemu01", "job", false); err == nil {
				wins <- i
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("pass %d: unexpected error %v", i, err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one reservation winner, got %d", count)
	}
}

func TestReserveRejectsUnhealthyUnlessHealthCheck(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	looping := testDevice("panda01", "panda")
	looping.Health = HealthLooping
	if err := reg.Add(ctx, looping); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if err := reg.Reserve(ctx, "panda01", "job-1", false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for looping device, got %v", err)
	}
	if err := reg.Reserve(ctx, "panda01", "hc-1", true); err != nil {
		t.Fatalf("health check reserve should succeed on looping device: %v", err)
	}
}

func TestStatusTransitionTableRejectsIllegalMoves(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	if err := reg.Add(ctx, testDevice("qemu01", "qemu")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	// Idle -> Running skips Reserved and must be rejected.
	err := reg.MarkRunning(ctx, "qemu01")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	if err := reg.Reserve(ctx, "qemu01", "job-1", false); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := reg.MarkRunning(ctx, "qemu01"); err != nil {
		t.Fatalf("reserved -> running should be legal: %v", err)
	}
	if err := reg.Release(ctx, "qemu01"); err != nil {
		t.Fatalf("running -> idle should be legal: %v", err)
	}
	dev, _ := reg.Get("qemu01")
	if dev.Status != StatusIdle || dev.CurrentJob != "" {
		t.Fatalf("release should clear job reference: %+v", dev)
	}
}

func TestHealthTransitionTable(t *testing.T) {
	ctx := context.Background()
	reg := NewDeviceRegistry(nil)
	if err := reg.Add(ctx, testDevice("qemu01", "qemu")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if err := reg.SetHealth(ctx, "qemu01", HealthBad); err != nil {
		t.Fatalf("good -> bad should be legal: %v", err)
	}
	// Bad devices must go through Unknown (or maintenance) before Good again.
	if err := reg.SetHealth(ctx, "qemu01", HealthGood); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for bad -> good, got %v", err)
	}
	if err := reg.SetHealth(ctx, "qemu01", HealthRetired); err != nil {
		t.Fatalf("bad -> retired should be legal: %v", err)
	}
	if err := reg.SetHealth(ctx, "qemu01", HealthMaintenance); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for retired -> maintenance, got %v", err)
	}
}
