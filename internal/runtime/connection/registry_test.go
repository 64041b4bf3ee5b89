package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient/awsfake"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	dynamo, err := NewDynamoRegistry(awsfake.NewDynamoDB(), "connections")
	if err != nil {
		t.Fatalf("unexpected dynamo registry error: %v", err)
	}
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"dynamo": dynamo,
	}
}

func handle(conn, session string, role chat.Role) Handle {
	return Handle{ConnectionID: conn, SessionID: session, UserID: "user-1", Role: role, EstablishedAt: time.UnixMilli(1000)}
}

func TestRegistrySupersession(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if prev, err := reg.Register(ctx, handle("conn-a", "s1", chat.RoleEndUser)); err != nil || prev != "" {
				t.Fatalf("unexpected first register result: prev=%q err=%v", prev, err)
			}
			prev, err := reg.Register(ctx, handle("conn-b", "s1", chat.RoleEndUser))
			if err != nil {
				t.Fatalf("unexpected register error: %v", err)
			}
			if prev != "conn-a" {
				t.Fatalf("expected conn-a superseded, got %q", prev)
			}

			h, ok, err := reg.Resolve(ctx, "s1", chat.RoleEndUser)
			if err != nil || !ok || h.ConnectionID != "conn-b" {
				t.Fatalf("expected resolve to conn-b, got %+v ok=%v err=%v", h, ok, err)
			}
			if _, ok, _ := reg.Lookup(ctx, "conn-a"); ok {
				t.Fatalf("expected superseded connection to no longer resolve")
			}

			// Unregistering the superseded handle must not evict the new holder.
			if err := reg.Unregister(ctx, "conn-a"); err != nil {
				t.Fatalf("unexpected unregister error: %v", err)
			}
			h, ok, _ = reg.Resolve(ctx, "s1", chat.RoleEndUser)
			if !ok || h.ConnectionID != "conn-b" {
				t.Fatalf("expected conn-b to survive stale unregister, got %+v ok=%v", h, ok)
			}
		})
	}
}

func TestRegistryRolesAreIndependentSlots(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mustRegister(t, reg, handle("conn-user", "s1", chat.RoleEndUser))
			mustRegister(t, reg, handle("conn-agent", "s1", chat.RoleAgent))

			user, ok, _ := reg.Resolve(ctx, "s1", chat.RoleEndUser)
			if !ok || user.ConnectionID != "conn-user" {
				t.Fatalf("unexpected end-user slot: %+v", user)
			}
			agent, ok, _ := reg.Resolve(ctx, "s1", chat.RoleAgent)
			if !ok || agent.ConnectionID != "conn-agent" {
				t.Fatalf("unexpected agent slot: %+v", agent)
			}
		})
	}
}

func TestRegistryMoveVacatesOldSlot(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mustRegister(t, reg, handle("conn-a", "s1", chat.RoleEndUser))
			mustRegister(t, reg, handle("conn-a", "s2", chat.RoleEndUser))

			if h, ok, _ := reg.Resolve(ctx, "s1", chat.RoleEndUser); ok {
				t.Fatalf("expected s1 slot to be vacated after the move, got %+v", h)
			}
			h, ok, err := reg.Resolve(ctx, "s2", chat.RoleEndUser)
			if err != nil || !ok || h.ConnectionID != "conn-a" {
				t.Fatalf("expected conn-a on s2, got %+v ok=%v err=%v", h, ok, err)
			}
			if got, ok, _ := reg.Lookup(ctx, "conn-a"); !ok || got.SessionID != "s2" {
				t.Fatalf("expected lookup to follow the move, got %+v ok=%v", got, ok)
			}
		})
	}
}

func TestRegistryMoveKeepsSlotClaimedByAnotherConnection(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mustRegister(t, reg, handle("conn-a", "s1", chat.RoleEndUser))
			mustRegister(t, reg, handle("conn-b", "s1", chat.RoleEndUser))
			mustRegister(t, reg, handle("conn-a", "s2", chat.RoleEndUser))

			h, ok, _ := reg.Resolve(ctx, "s1", chat.RoleEndUser)
			if !ok || h.ConnectionID != "conn-b" {
				t.Fatalf("expected conn-b to keep s1, got %+v ok=%v", h, ok)
			}
		})
	}
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mustRegister(t, reg, handle("conn-a", "s1", chat.RoleEndUser))
			for i := 0; i < 2; i++ {
				if err := reg.Unregister(ctx, "conn-a"); err != nil {
					t.Fatalf("unexpected unregister error on pass %d: %v", i, err)
				}
			}
			if err := reg.Unregister(ctx, "never-registered"); err != nil {
				t.Fatalf("unexpected error for absent connection: %v", err)
			}
			if _, ok, _ := reg.Resolve(ctx, "s1", chat.RoleEndUser); ok {
				t.Fatalf("expected empty slot after unregister")
			}
		})
	}
}

func TestRegistryTouch(t *testing.T) {
	t.Parallel()

	for name, reg := range registries(t) {
		reg := reg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mustRegister(t, reg, handle("conn-a", "s1", chat.RoleEndUser))
			if err := reg.Touch(ctx, "conn-a", time.UnixMilli(5000)); err != nil {
				t.Fatalf("unexpected touch error: %v", err)
			}
			h, _, _ := reg.Lookup(ctx, "conn-a")
			if h.LastSeenAt.UnixMilli() != 5000 {
				t.Fatalf("expected last seen 5000, got %d", h.LastSeenAt.UnixMilli())
			}
			if err := reg.Touch(ctx, "conn-missing", time.UnixMilli(5000)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRegisterRejectsInvalidHandle(t *testing.T) {
	t.Parallel()

	reg := NewMemoryRegistry()
	tests := []Handle{
		{SessionID: "s1", Role: chat.RoleEndUser},
		{ConnectionID: "c1", Role: chat.RoleEndUser},
		{ConnectionID: "c1", SessionID: "s1", Role: "observer"},
	}
	for _, h := range tests {
		if _, err := reg.Register(context.Background(), h); err == nil {
			t.Fatalf("expected invalid handle error for %+v", h)
		}
	}
}

func TestMemoryRegistryPruneIdle(t *testing.T) {
	t.Parallel()

	reg := NewMemoryRegistry()
	ctx := context.Background()
	mustRegister(t, reg, handle("conn-old", "s1", chat.RoleEndUser))
	mustRegister(t, reg, handle("conn-fresh", "s2", chat.RoleEndUser))
	if err := reg.Touch(ctx, "conn-fresh", time.UnixMilli(60_000)); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}

	pruned := reg.PruneIdle(time.UnixMilli(61_000), 30*time.Second)
	if len(pruned) != 1 || pruned[0] != "conn-old" {
		t.Fatalf("expected conn-old pruned, got %v", pruned)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one live connection, got %d", reg.Len())
	}
	if _, ok, _ := reg.Resolve(ctx, "s1", chat.RoleEndUser); ok {
		t.Fatalf("expected pruned slot to be empty")
	}
}

func mustRegister(t *testing.T, reg Registry, h Handle) {
	t.Helper()
	if _, err := reg.Register(context.Background(), h); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}
