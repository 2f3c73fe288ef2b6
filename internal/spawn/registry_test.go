package spawn

import (
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"

	"netreplica/internal/interest"
	"netreplica/internal/replication"
	"netreplica/logging"
	"netreplica/logging/lifecycle"
	"netreplica/logging/sinks"
)

func newTestRegistry(t *testing.T) (*Registry, *interest.Manager[*Client, *Object], *sinks.Memory) {
	t.Helper()
	memory := sinks.NewMemory()
	manager := interest.NewManager[*Client, *Object](interest.NewGroups(), memory)
	return NewRegistry(manager, memory), manager, memory
}

func TestSpawnTracksOwnersAndPlayers(t *testing.T) {
	registry, manager, memory := newTestRegistry(t)
	client, err := registry.Connect(3)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	player, err := registry.Spawn(Options{Kind: "player", Owner: 3, Player: true})
	if err != nil {
		t.Fatalf("spawn player: %v", err)
	}
	crate, err := registry.Spawn(Options{Kind: "crate", Owner: 3})
	if err != nil {
		t.Fatalf("spawn crate: %v", err)
	}
	rock, err := registry.Spawn(Options{Kind: "rock"})
	if err != nil {
		t.Fatalf("spawn rock: %v", err)
	}

	if got, ok := registry.PlayerObject(3); !ok || got != player {
		t.Fatalf("expected player object to be tracked")
	}
	if owned := client.OwnedObjects(); len(owned) != 1 || owned[0] != crate {
		t.Fatalf("expected crate to be the only owned object, got %v", owned)
	}
	if !rock.OwnedByServer() || crate.OwnerClientID() != 3 {
		t.Fatalf("unexpected owners rock=%d crate=%d", rock.OwnerClientID(), crate.OwnerClientID())
	}
	objects := registry.Objects()
	if len(objects) != 3 || objects[0] != player || objects[2] != rock {
		t.Fatalf("expected objects in spawn order, got %v", objects)
	}
	if _, ok := manager.GroupOf(crate); !ok {
		t.Fatalf("expected interest manager to see the spawn")
	}
	if got := len(memory.OfType(lifecycle.EventObjectSpawned)); got != 3 {
		t.Fatalf("expected 3 spawn events, got %d", got)
	}

	if _, err := registry.Spawn(Options{Owner: 3, Player: true}); !errors.Is(err, ErrPlayerExists) {
		t.Fatalf("expected ErrPlayerExists, got %v", err)
	}
	if _, err := registry.Spawn(Options{Owner: 9}); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
}

func TestConnectRejectsDuplicatesAndServerID(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	if _, err := registry.Connect(replication.ServerClientID); err == nil {
		t.Fatalf("expected server id to be reserved")
	}
	if _, err := registry.Connect(1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := registry.Connect(1); !errors.Is(err, ErrClientExists) {
		t.Fatalf("expected ErrClientExists, got %v", err)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	registry, _, memory := newTestRegistry(t)
	alice, _ := registry.Connect(1)
	bob, _ := registry.Connect(2)
	obj, err := registry.Spawn(Options{Kind: "crate", Owner: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := registry.ChangeOwnership(obj, 2); err != nil {
		t.Fatalf("change ownership: %v", err)
	}
	if len(alice.OwnedObjects()) != 0 || len(bob.OwnedObjects()) != 1 || obj.OwnerClientID() != 2 {
		t.Fatalf("expected crate to move to bob")
	}
	if err := registry.ChangeOwnership(obj, 7); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}

	if err := registry.RemoveOwnership(obj); err != nil {
		t.Fatalf("remove ownership: %v", err)
	}
	if !obj.OwnedByServer() || len(bob.OwnedObjects()) != 0 {
		t.Fatalf("expected crate to return to the server")
	}
	if got := len(memory.OfType(lifecycle.EventOwnershipChanged)); got != 2 {
		t.Fatalf("expected 2 ownership events, got %d", got)
	}

	player, _ := registry.Spawn(Options{Owner: 1, Player: true})
	if err := registry.ChangeOwnership(player, 2); !errors.Is(err, ErrPlayerOwner) {
		t.Fatalf("expected ErrPlayerOwner, got %v", err)
	}

	registry.Despawn(obj.ID)
	if err := registry.ChangeOwnership(obj, 1); !errors.Is(err, ErrNotSpawned) {
		t.Fatalf("expected ErrNotSpawned, got %v", err)
	}
}

func TestDespawnUnknownWarns(t *testing.T) {
	registry, _, memory := newTestRegistry(t)
	if registry.Despawn(ulid.Make()) {
		t.Fatalf("expected unknown despawn to report false")
	}
	events := memory.OfType(lifecycle.EventUnknownDespawn)
	if len(events) != 1 || events[0].Severity != logging.SeverityWarn {
		t.Fatalf("expected one warning, got %+v", events)
	}
}

func TestDisconnectDespawnsOwnedObjects(t *testing.T) {
	registry, manager, _ := newTestRegistry(t)
	registry.Connect(4)
	player, _ := registry.Spawn(Options{Owner: 4, Player: true})
	owned, _ := registry.Spawn(Options{Owner: 4})
	shared, _ := registry.Spawn(Options{})

	if !registry.Disconnect(4) {
		t.Fatalf("expected disconnect to succeed")
	}
	if _, ok := registry.Client(4); ok {
		t.Fatalf("expected client to be removed")
	}
	for _, obj := range []*Object{player, owned} {
		if obj.IsSpawned() {
			t.Fatalf("expected %s to be despawned", obj)
		}
		if _, ok := manager.GroupOf(obj); ok {
			t.Fatalf("expected interest manager to forget %s", obj)
		}
	}
	if !shared.IsSpawned() {
		t.Fatalf("expected server object to survive")
	}
	if registry.Disconnect(4) {
		t.Fatalf("expected second disconnect to report false")
	}
}

type rejectingObserver struct{}

func (rejectingObserver) HandleSpawn(*Object) error  { return errors.New("full") }
func (rejectingObserver) HandleDespawn(*Object) bool { return false }

func TestRejectedSpawnIsNotRegistered(t *testing.T) {
	registry := NewRegistry(rejectingObserver{}, nil)
	if _, err := registry.Spawn(Options{Kind: "crate"}); err == nil {
		t.Fatalf("expected observer rejection to fail the spawn")
	}
	if len(registry.Objects()) != 0 {
		t.Fatalf("expected nothing registered")
	}
}

func TestCollectAllFeedsBypass(t *testing.T) {
	registry, manager, _ := newTestRegistry(t)
	hidden, _ := manager.Groups().Create("hidden")
	if err := manager.RegisterNode(&interest.FuncNode[*Client, *Object]{}, hidden); err != nil {
		t.Fatalf("register: %v", err)
	}
	obj, _ := registry.Spawn(Options{Group: hidden})

	manager.EnableBypass(registry.CollectAll)
	results := make(interest.Set[*Object])
	manager.QueryFor(&Client{ID: 1}, results)
	if !results.Has(obj) {
		t.Fatalf("expected bypass to include the hidden object")
	}
}
