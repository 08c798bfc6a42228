// Package ipctest provides testcontainers-based NATS infrastructure for
// tests that need a real broker: every package whose correctness depends
// on JetStream/KV semantics (locktable's lease recovery, subshm's ack
// bitmap mirror, replay's consumer, commit's end-to-end protocol) starts
// its own ephemeral server through this package instead of requiring one
// to already be running at a well-known address.
package ipctest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultNATSVersion = "2.11.7-alpine"

// NewNATSURL starts a JetStream-enabled NATS container for the duration of
// t and returns the URL a ipc.Conn can dial. The container is terminated
// via t.Cleanup; if Docker isn't reachable the test is skipped rather than
// failed, so this package works the same in environments with and without
// a container runtime.
func NewNATSURL(t testing.TB) string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:" + defaultNATSVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("no container runtime available to start a NATS test server: %v", err)
		return ""
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("could not determine NATS container host: %v", err)
		return ""
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Skipf("could not determine NATS container port: %v", err)
		return ""
	}

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}
