package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"netreplica/internal/config"
	"netreplica/internal/mirror"
	"netreplica/internal/net/proto"
	"netreplica/internal/net/ws"
	"netreplica/internal/replication"
)

func testServerConfig() config.Config {
	return config.Config{
		Addr:            "127.0.0.1:0",
		TickRate:        50,
		CommandCapacity: 64,
		PerClientLimit:  8,
		MetricsPath:     "/metrics",
		ChatWriteExpr:   "client > 0",
		ShutdownTimeout: time.Second,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mirrorValues(m *mirror.Mirror, name string) []string {
	var out []string
	m.View(name, func(target mirror.Target) {
		out = target.(*replication.List[string]).Values()
	})
	return out
}

func TestServerReplicatesChatOverWebSocket(t *testing.T) {
	srv, err := New(Config{Server: testServerConfig(), Layout: config.DefaultLayout(), Console: io.Discard})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go srv.RunLoop(ctx)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close(context.Background())
		httpServer.Close()
	})

	m := mirror.New(mirror.Options{
		Resolver: func(string) (mirror.Target, bool) {
			return replication.NewList[string](replication.StringCodec{}, replication.ListConfig{Authority: replication.RoleClient}), true
		},
	})
	acks := make(chan proto.ServerMessage, 8)
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?id=4"
	client, err := ws.Dial(ctx, url, m, ws.ClientConfig{OnMessage: func(msg proto.ServerMessage) { acks <- msg }})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go client.Run(ctx)
	defer client.Close()

	hello, err := client.Hello(ctx)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.ClientID != 4 || hello.TickRate != 50 {
		t.Fatalf("unexpected hello %+v", hello)
	}

	waitUntil(t, "initial snapshots", func() bool {
		return m.Synced(CollectionChat) && m.Synced(CollectionEvents)
	})
	if got := mirrorValues(m, CollectionEvents); !slices.Equal(got, []string{"client 4 joined"}) {
		t.Fatalf("events = %v", got)
	}

	seq, err := client.Mutate(CollectionChat, replication.OpAdd, 0, "hi")
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	select {
	case ack := <-acks:
		if ack.Type != proto.TypeCommandAck || ack.Seq != seq {
			t.Fatalf("unexpected reply %+v", ack)
		}
	case <-ctx.Done():
		t.Fatalf("no ack for seq %d", seq)
	}
	waitUntil(t, "chat delta", func() bool {
		return slices.Equal(mirrorValues(m, CollectionChat), []string{"hi"})
	})

	resp, err := http.Get(httpServer.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	var diag struct {
		State struct {
			Tick      uint64 `json:"tick"`
			Connected int    `json:"connected"`
		} `json:"state"`
	}
	err = json.NewDecoder(resp.Body).Decode(&diag)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if diag.State.Tick == 0 || diag.State.Connected != 1 {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}

	resp, err = http.Get(httpServer.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "netreplica_replication_frames_sent_total") {
		t.Fatalf("expected replication counters in /metrics")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: testServerConfig(), Layout: config.DefaultLayout(), Console: io.Discard})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestNewRejectsInvalidLayout(t *testing.T) {
	layout := config.Layout{Groups: []config.GroupLayout{{Name: "", Node: config.NodeLayout{Kind: config.NodeStatic}}}}
	if _, err := New(Config{Server: testServerConfig(), Layout: layout, Console: io.Discard}); err == nil {
		t.Fatalf("expected invalid layout to fail")
	}
}
