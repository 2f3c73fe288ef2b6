package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"netreplica/internal/broadcast"
	"netreplica/internal/config"
	"netreplica/internal/interest"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/sim"
	"netreplica/internal/spawn"
	"netreplica/internal/telemetry"
	"netreplica/logging"
	loggingreplication "netreplica/logging/replication"
)

const (
	CollectionEvents = "world/events"
	CollectionChat   = "chat"
	GroupPlayers     = "players"

	inventoryPrefix = "inventory/"
	eventsHistory   = 64
	chatHistory     = 100
	chatSendRate    = 10
	playerSpacing   = 10
)

// InventoryName is the collection name of a player's inventory.
func InventoryName(player ulid.ULID) string {
	return inventoryPrefix + player.String()
}

var errUnknownCollection = errors.New("unknown collection")

// WorldConfig selects the interest layout and chat policy.
type WorldConfig struct {
	Layout         config.Layout
	ChatWriteExpr  string
	ChatAdmins     []int
	InterestBypass bool
}

// Replier delivers control messages to one client.
type Replier interface {
	SendJSON(client replication.ClientID, payload any) error
}

// WorldDeps carries the world's collaborators. Replies, when set, receives a
// commandReject for every sequenced mutation the world refuses.
type WorldDeps struct {
	Transport broadcast.Transport
	Replies   Replier
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Clock     func() time.Time
}

type writer interface {
	CanWrite(client replication.ClientID) (bool, error)
	apply(cmd *sim.MutateCommand) error
}

type listWriter[T comparable] struct {
	list *replication.List[T]
}

func (w listWriter[T]) CanWrite(client replication.ClientID) (bool, error) {
	return w.list.CanWrite(client)
}

func (w listWriter[T]) apply(cmd *sim.MutateCommand) error {
	var value T
	switch cmd.Op {
	case replication.OpAdd, replication.OpInsert, replication.OpRemove, replication.OpSetValue:
		if len(cmd.Value) == 0 {
			return fmt.Errorf("%s requires a value", cmd.Op)
		}
		if err := json.Unmarshal(cmd.Value, &value); err != nil {
			return fmt.Errorf("decode %s value: %w", cmd.Op, err)
		}
	}
	switch cmd.Op {
	case replication.OpAdd:
		w.list.Add(value)
	case replication.OpInsert:
		return w.list.Insert(cmd.Index, value)
	case replication.OpRemove:
		w.list.Remove(value)
	case replication.OpRemoveAt:
		return w.list.RemoveAt(cmd.Index)
	case replication.OpSetValue:
		return w.list.SetAt(cmd.Index, value)
	case replication.OpClear:
		w.list.Clear()
	default:
		return replication.ErrUnknownOp
	}
	return nil
}

// World owns every replicated collection and the object tables. All of its
// methods run on the simulation goroutine.
type World struct {
	groups   *interest.Groups
	manager  *interest.Manager[*spawn.Client, *spawn.Object]
	registry *spawn.Registry
	driver   *broadcast.Driver

	publisher logging.Publisher
	logger    telemetry.Logger
	clock     func() time.Time
	replies   Replier

	events      *replication.List[string]
	chat        *replication.List[string]
	writers     map[string]writer
	inventories map[replication.ClientID]string
	tick        uint64
}

// NewWorld builds the interest graph from the layout and registers the
// shared collections.
func NewWorld(cfg WorldConfig, deps WorldDeps) (*World, error) {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	w := &World{
		groups:      interest.NewGroups(),
		publisher:   publisher,
		logger:      logger,
		clock:       clock,
		replies:     deps.Replies,
		writers:     make(map[string]writer),
		inventories: make(map[replication.ClientID]string),
	}
	w.manager = interest.NewManager[*spawn.Client, *spawn.Object](w.groups, publisher)
	w.manager.SetTickSource(w.currentTick)
	if err := buildInterest(w.manager, w.groups, cfg.Layout); err != nil {
		return nil, err
	}
	w.registry = spawn.NewRegistry(w.manager, publisher)
	w.registry.SetTickSource(w.currentTick)
	if cfg.InterestBypass {
		w.manager.EnableBypass(w.registry.CollectAll)
	}
	w.driver = broadcast.NewDriver(broadcast.Deps{
		Interest:  w.manager,
		Clients:   w.registry,
		Transport: deps.Transport,
		Publisher: publisher,
		Metrics:   deps.Metrics,
		Clock:     clock,
	})

	listClock := replication.ClockFunc(clock)
	w.events = replication.NewList[string](replication.StringCodec{}, replication.ListConfig{
		Settings: replication.Settings{
			SendTickrate:    0,
			Channel:         replication.DefaultChannel,
			ReadPermission:  replication.PermissionEveryone,
			WritePermission: replication.PermissionServerOnly,
		},
		Clock: listClock,
	})

	admins := make([]int, len(cfg.ChatAdmins))
	copy(admins, cfg.ChatAdmins)
	canChat, err := replication.CompilePredicate(cfg.ChatWriteExpr, map[string]any{"admins": admins})
	if err != nil {
		return nil, fmt.Errorf("chat write permission: %w", err)
	}
	w.chat = replication.NewList[string](replication.StringCodec{}, replication.ListConfig{
		Settings: replication.Settings{
			SendTickrate:        chatSendRate,
			Channel:             "chat",
			ReadPermission:      replication.PermissionEveryone,
			WritePermission:     replication.PermissionCustom,
			WritePermissionFunc: canChat,
		},
		Clock: listClock,
	})

	if err := w.register(CollectionEvents, w.events, nil); err != nil {
		return nil, err
	}
	if err := w.register(CollectionChat, w.chat, nil); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *World) register(name string, list *replication.List[string], object *spawn.Object) error {
	if err := w.driver.Register(name, list, object); err != nil {
		return err
	}
	w.writers[name] = listWriter[string]{list: list}
	return nil
}

func (w *World) currentTick() uint64 {
	return w.tick
}

// Registry exposes the object table.
func (w *World) Registry() *spawn.Registry {
	return w.registry
}

// Driver exposes the flush driver.
func (w *World) Driver() *broadcast.Driver {
	return w.driver
}

// Groups exposes the replication groups.
func (w *World) Groups() *interest.Groups {
	return w.groups
}

// Events returns the server-written event log.
func (w *World) Events() *replication.List[string] {
	return w.events
}

// Chat returns the chat log.
func (w *World) Chat() *replication.List[string] {
	return w.chat
}

// Apply executes the commands staged for a tick.
func (w *World) Apply(ctx context.Context, tick uint64, commands []sim.Command) {
	w.tick = tick
	for _, cmd := range commands {
		switch cmd.Type {
		case sim.CommandConnect:
			w.connect(ctx, cmd)
		case sim.CommandDisconnect:
			w.disconnect(ctx, cmd)
		case sim.CommandMutate:
			w.mutate(ctx, cmd)
		case sim.CommandResync:
			if err := w.driver.RequestResync(ctx, cmd.ClientID, cmd.Collection, cmd.Reason); err != nil {
				w.logger.Printf("[resync] client=%d collection=%s: %v", cmd.ClientID, cmd.Collection, err)
			}
		}
	}
}

// Flush replicates the tick's changes.
func (w *World) Flush(ctx context.Context, tick uint64) {
	w.tick = tick
	w.driver.Flush(ctx, tick)
}

func (w *World) connect(ctx context.Context, cmd sim.Command) {
	client, err := w.registry.Connect(cmd.ClientID)
	if err != nil {
		w.logger.Printf("[connect] client=%d: %v", cmd.ClientID, err)
		return
	}
	group, _ := w.groups.Lookup(GroupPlayers)
	player, err := w.registry.Spawn(spawn.Options{
		Kind:     "player",
		Group:    group,
		Owner:    client.ID,
		Player:   true,
		Position: interest.Vec3{X: float64(client.ID) * playerSpacing},
	})
	if err != nil {
		w.logger.Printf("[connect] spawn player for client=%d: %v", client.ID, err)
		w.registry.Disconnect(client.ID)
		return
	}

	name := InventoryName(player.ID)
	inventory := replication.NewList[string](replication.StringCodec{}, replication.ListConfig{
		Settings: replication.Settings{
			SendTickrate:    0,
			Channel:         replication.DefaultChannel,
			ReadPermission:  replication.PermissionOwnerOnly,
			WritePermission: replication.PermissionOwnerOnly,
		},
		Clock: replication.ClockFunc(w.clock),
		Owner: player,
	})
	if err := w.register(name, inventory, player); err != nil {
		w.logger.Printf("[connect] register inventory for client=%d: %v", client.ID, err)
	} else {
		w.inventories[client.ID] = name
	}
	w.appendEvent(fmt.Sprintf("client %d joined", client.ID))
}

func (w *World) disconnect(ctx context.Context, cmd sim.Command) {
	if name, ok := w.inventories[cmd.ClientID]; ok {
		w.driver.Unregister(ctx, name)
		delete(w.writers, name)
		delete(w.inventories, cmd.ClientID)
	}
	if !w.registry.Disconnect(cmd.ClientID) {
		return
	}
	w.driver.DropClient(cmd.ClientID)
	w.appendEvent(fmt.Sprintf("client %d left", cmd.ClientID))
}

func (w *World) mutate(ctx context.Context, cmd sim.Command) {
	if cmd.Mutate == nil {
		return
	}
	target, ok := w.writers[cmd.Collection]
	if !ok {
		w.deny(ctx, cmd, errUnknownCollection.Error())
		return
	}
	allowed, err := target.CanWrite(cmd.ClientID)
	if err != nil {
		w.deny(ctx, cmd, err.Error())
		return
	}
	if !allowed {
		w.deny(ctx, cmd, "not permitted")
		return
	}
	if err := target.apply(cmd.Mutate); err != nil {
		w.logger.Printf("[mutate] client=%d collection=%s op=%s: %v", cmd.ClientID, cmd.Collection, cmd.Mutate.Op, err)
		w.reject(cmd, err.Error())
		return
	}
	if cmd.Collection == CollectionChat {
		trim(w.chat, chatHistory)
	}
}

func (w *World) deny(ctx context.Context, cmd sim.Command, reason string) {
	loggingreplication.PermissionDenied(ctx, w.publisher, w.tick, logging.Ref(logging.EntityKindClient, cmd.ClientID), loggingreplication.PermissionPayload{
		Collection: cmd.Collection,
		Access:     "write",
		Reason:     reason,
	}, map[string]any{"seq": cmd.Seq})
	w.reject(cmd, reason)
}

// reject tells the sender that a mutation acknowledged as queued was refused
// when the tick ran.
func (w *World) reject(cmd sim.Command, reason string) {
	if w.replies == nil || cmd.Seq == 0 {
		return
	}
	err := w.replies.SendJSON(cmd.ClientID, proto.CommandRejectMessage{
		Ver:        proto.Version,
		Type:       proto.TypeCommandReject,
		Seq:        cmd.Seq,
		Collection: cmd.Collection,
		Reason:     reason,
	})
	if err != nil {
		w.logger.Printf("[reject] client=%d seq=%d: %v", cmd.ClientID, cmd.Seq, err)
	}
}

func (w *World) appendEvent(line string) {
	w.events.Add(line)
	trim(w.events, eventsHistory)
}

func trim(list *replication.List[string], limit int) {
	for list.Len() > limit {
		if err := list.RemoveAt(0); err != nil {
			return
		}
	}
}
