package natsbus

import (
	"context"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/actbus/pkg/transport"
)

// startTestServer starts an in-process NATS server and returns a connected Bus.
func startTestServer(t *testing.T, port int) (*Bus, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("natsbus:natsbus_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("natsbus:natsbus_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("natsbus:natsbus_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return New(nc), cleanup
}

func TestBus_RequestReply(t *testing.T) {
	bus, cleanup := startTestServer(t, 14330)
	defer cleanup()

	sub, err := bus.Subscribe("math", transport.SubscribeOptions{Queue: "queue.math"}, func(data []byte, reply string) {
		_ = bus.Publish(reply, append([]byte("re:"), data...))
	})
	if err != nil {
		t.Fatalf("natsbus:natsbus_test - subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	bus.Conn().Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := bus.Request(ctx, "math", []byte("ping"))
	if err != nil {
		t.Fatalf("natsbus:natsbus_test - request: %v", err)
	}
	if string(resp) != "re:ping" {
		t.Errorf("natsbus:natsbus_test - reply = %q, want re:ping", resp)
	}
}

func TestBus_NoResponders(t *testing.T) {
	bus, cleanup := startTestServer(t, 14331)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := bus.Request(ctx, "nobody.home", []byte("x"))
	if !errors.Is(err, transport.ErrNoResponders) {
		t.Errorf("natsbus:natsbus_test - err = %v, want ErrNoResponders", err)
	}
}

func TestBus_RequestTimeout(t *testing.T) {
	bus, cleanup := startTestServer(t, 14332)
	defer cleanup()

	sub, _ := bus.Subscribe("silent", transport.SubscribeOptions{}, func([]byte, string) {})
	defer sub.Unsubscribe()
	bus.Conn().Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "silent", []byte("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("natsbus:natsbus_test - err = %v, want DeadlineExceeded", err)
	}
}

func TestBus_MaxMessages(t *testing.T) {
	bus, cleanup := startTestServer(t, 14333)
	defer cleanup()

	got := make(chan string, 4)
	sub, err := bus.Subscribe("events", transport.SubscribeOptions{MaxMessages: 1}, func(data []byte, _ string) {
		got <- string(data)
	})
	if err != nil {
		t.Fatalf("natsbus:natsbus_test - subscribe: %v", err)
	}
	if sub.Subject() != "events" {
		t.Errorf("natsbus:natsbus_test - Subject = %q", sub.Subject())
	}
	bus.Conn().Flush()

	_ = bus.Publish("events", []byte("one"))
	_ = bus.Publish("events", []byte("two"))
	bus.Conn().Flush()

	select {
	case v := <-got:
		if v != "one" {
			t.Errorf("natsbus:natsbus_test - got %q, want one", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("natsbus:natsbus_test - timeout waiting for first event")
	}
	select {
	case v := <-got:
		t.Errorf("natsbus:natsbus_test - unexpected second event %q", v)
	case <-time.After(100 * time.Millisecond):
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("natsbus:natsbus_test - unsubscribe after auto-unsubscribe: %v", err)
	}
}

func TestBus_CloseLeavesBorrowedConnection(t *testing.T) {
	bus, cleanup := startTestServer(t, 14334)
	defer cleanup()

	if err := bus.Close(); err != nil {
		t.Fatalf("natsbus:natsbus_test - close: %v", err)
	}
	if !bus.Conn().IsConnected() {
		t.Error("natsbus:natsbus_test - borrowed connection must stay open")
	}
}

func TestBus_Flush(t *testing.T) {
	bus, cleanup := startTestServer(t, 14335)
	defer cleanup()

	if err := bus.Publish("flush.me", []byte("x")); err != nil {
		t.Fatalf("natsbus:natsbus_test - publish: %v", err)
	}
	if err := bus.Flush(); err != nil {
		t.Errorf("natsbus:natsbus_test - flush: %v", err)
	}
}
