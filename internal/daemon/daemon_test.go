package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/lock"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "convo-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(profileDir, "d.sock")

	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := cache.Open(filepath.Join(profileDir, "convo.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger, _ := zap.NewDevelopment()
	b := bus.New()

	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)

	// Daemon liveness.
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon status = %v, want SERVING", resp.Status)
	}

	// No session yet.
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: SessionService})
	if err != nil {
		t.Fatalf("session check error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("session status = %v, want NOT_SERVING", resp.Status)
	}

	// Sign-in flips the session service to serving.
	b.Publish(bus.Event{Kind: bus.KindSessionSignedIn, At: time.Now()})
	waitForStatus(t, client, SessionService, healthpb.HealthCheckResponse_SERVING)

	// Sign-out flips it back.
	b.Publish(bus.Event{Kind: bus.KindSessionSignedOut, At: time.Now()})
	waitForStatus(t, client, SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestServerRemovesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "convo-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, bus.New(), logger)
	if err != nil {
		t.Fatalf("NewServer with stale socket error = %v", err)
	}
	srv.Stop(context.Background())

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file still present after Stop")
	}
}

func waitForStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err == nil && resp.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("service %q never reached %v", service, want)
}
