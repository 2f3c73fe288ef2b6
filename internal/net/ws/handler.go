package ws

import (
	"context"
	"log"
	nethttp "net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/sim"
	"netreplica/logging"
	"netreplica/logging/lifecycle"
)

const (
	RejectInvalidMessage = "invalid_message"
	closeDuplicateClient = "client already connected"
	closeServerBusy      = "server busy"
)

// CommandSink accepts commands for the simulation goroutine. *sim.Loop
// satisfies it.
type CommandSink interface {
	Enqueue(cmd sim.Command) (bool, string)
	Tick() uint64
}

type HandlerConfig struct {
	Logger    *log.Logger
	Publisher logging.Publisher
	TickRate  int
}

// Handler upgrades client connections and turns their control messages into
// simulation commands.
type Handler struct {
	hub       *Hub
	commands  CommandSink
	logger    *log.Logger
	publisher logging.Publisher
	tickRate  int
	upgrader  websocket.Upgrader
}

func NewHandler(hub *Hub, commands CommandSink, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:       hub,
		commands:  commands,
		logger:    logger,
		publisher: publisher,
		tickRate:  cfg.TickRate,
		upgrader:  upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		nethttp.Error(w, "missing id", nethttp.StatusBadRequest)
		return
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == uint64(replication.ServerClientID) {
		nethttp.Error(w, "invalid id", nethttp.StatusBadRequest)
		return
	}
	clientID := replication.ClientID(parsed)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %d: %v", clientID, err)
		return
	}

	sub, ok := h.hub.Attach(clientID, conn)
	if !ok {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeDuplicateClient)
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	session := uuid.New().String()
	if accepted, reason := h.commands.Enqueue(sim.Command{ClientID: clientID, Type: sim.CommandConnect, TraceID: session}); !accepted {
		h.logger.Printf("connect rejected for %d: %s", clientID, reason)
		h.hub.Detach(clientID, sub)
		message := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, closeServerBusy)
		sub.write(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	ctx := r.Context()
	actor := logging.Ref(logging.EntityKindClient, clientID)
	lifecycle.ClientConnected(ctx, h.publisher, h.commands.Tick(), actor, session, lifecycle.ClientPayload{Remote: r.RemoteAddr})

	reason := h.serve(clientID, session, sub)

	// The disconnect is queued while the id is still attached so a reconnect
	// cannot slip its Connect in ahead of it.
	h.commands.Enqueue(sim.Command{ClientID: clientID, Type: sim.CommandDisconnect, TraceID: session, Reason: reason})
	h.hub.Detach(clientID, sub)
	conn.Close()
	lifecycle.ClientDisconnected(context.WithoutCancel(ctx), h.publisher, h.commands.Tick(), actor, session, lifecycle.ClientPayload{Remote: r.RemoteAddr, Reason: reason})
}

// serve runs the read loop and returns why the session ended.
func (h *Handler) serve(clientID replication.ClientID, session string, sub *subscriber) string {
	hello := proto.HelloMessage{
		Ver:      proto.Version,
		Type:     proto.TypeHello,
		ClientID: uint64(clientID),
		Session:  session,
		TickRate: h.tickRate,
	}
	if err := sub.writeJSON(hello); err != nil {
		return "write_failed"
	}

	for {
		messageType, payload, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read_failed"
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %d: %v", clientID, err)
			if msg.Seq > 0 {
				if sub.writeJSON(proto.CommandRejectMessage{Ver: proto.Version, Type: proto.TypeCommandReject, Seq: msg.Seq, Collection: msg.Collection, Reason: RejectInvalidMessage}) != nil {
					return "write_failed"
				}
			}
			continue
		}

		if msg.Seq > 0 && sub.lastSeq > 0 && msg.Seq <= sub.lastSeq {
			if sub.writeJSON(proto.CommandAckMessage{Ver: proto.Version, Type: proto.TypeCommandAck, Seq: msg.Seq}) != nil {
				return "write_failed"
			}
			continue
		}

		cmd := sim.Command{
			ClientID:   clientID,
			Collection: msg.Collection,
			TraceID:    session,
			Seq:        msg.Seq,
		}
		switch msg.Type {
		case proto.TypeResync:
			cmd.Type = sim.CommandResync
			cmd.Reason = msg.Reason
		case proto.TypeMutate:
			op, _ := proto.ParseOp(msg.Op)
			cmd.Type = sim.CommandMutate
			cmd.Mutate = &sim.MutateCommand{Op: op, Index: msg.Index, Value: msg.Value}
		}

		accepted, reason := h.commands.Enqueue(cmd)
		if msg.Seq == 0 {
			continue
		}
		var reply any
		if accepted {
			sub.lastSeq = msg.Seq
			reply = proto.CommandAckMessage{Ver: proto.Version, Type: proto.TypeCommandAck, Seq: msg.Seq, Tick: h.commands.Tick()}
		} else {
			reply = proto.CommandRejectMessage{
				Ver:        proto.Version,
				Type:       proto.TypeCommandReject,
				Seq:        msg.Seq,
				Collection: msg.Collection,
				Reason:     reason,
				Retry:      reason == sim.CommandRejectQueueLimit,
			}
		}
		if err := sub.writeJSON(reply); err != nil {
			return "write_failed"
		}
	}
}
