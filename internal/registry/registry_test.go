package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/registry"
	"github.com/devghori1264/gpupool/internal/storage"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return registry.New(store, clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestRegisterAndGet(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	inst, err := reg.Register(ctx, "gpu-1", models.Capability{ComputeClass: "a100", MemoryMB: 40960})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.State != models.InstanceAvailable {
		t.Fatalf("new instance state = %s, want available", inst.State)
	}

	got, err := reg.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "gpu-1" || got.Capability.MemoryMB != 40960 {
		t.Fatalf("got %+v", got)
	}

	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "gpu-1", models.Capability{ComputeClass: "a100", MemoryMB: 40960}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, "gpu-1", models.Capability{ComputeClass: "h100", MemoryMB: 81920}); !errors.Is(err, models.ErrExists) {
		t.Fatalf("want ErrExists, got %v", err)
	}
}

func TestSetStateTransitions(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	inst, err := reg.Register(ctx, "gpu-1", models.Capability{ComputeClass: "a100", MemoryMB: 40960})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	steps := []models.InstanceState{
		models.InstanceReserved,
		models.InstanceInUse,
		models.InstanceAvailable,
		models.InstanceUnavailable,
		models.InstanceAvailable, // repaired
	}
	for _, to := range steps {
		if _, err := reg.SetState(ctx, inst.ID, to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}

	// InUse cannot go back to Reserved.
	if _, err := reg.SetState(ctx, inst.ID, models.InstanceInUse); err != nil {
		t.Fatalf("-> in_use: %v", err)
	}
	if _, err := reg.SetState(ctx, inst.ID, models.InstanceReserved); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("in_use -> reserved: want ErrInvalidTransition, got %v", err)
	}
}

func TestListFilter(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, "gpu-a", models.Capability{ComputeClass: "a100", MemoryMB: 40960})
	reg.Register(ctx, "gpu-b", models.Capability{ComputeClass: "h100", MemoryMB: 81920})
	reg.Register(ctx, "gpu-c", models.Capability{ComputeClass: "a100", MemoryMB: 81920})

	if _, err := reg.SetState(ctx, a.ID, models.InstanceUnavailable); err != nil {
		t.Fatal(err)
	}

	got, err := reg.List(ctx, registry.Filter{ComputeClass: "a100"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("a100 filter: got %d instances, want 2", len(got))
	}

	got, err = reg.List(ctx, registry.Filter{State: models.InstanceAvailable, MinMemoryMB: 50000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("available+memory filter: got %d instances, want 2", len(got))
	}
	for _, inst := range got {
		if inst.Name == "gpu-a" {
			t.Error("unavailable instance leaked through state filter")
		}
	}
}
