// SPDX-License-Identifier: MPL-2.0

package target

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/invowk/companion/internal/container"
	"github.com/invowk/companion/internal/testutil"
)

// checkTestcontainersAvailable safely checks if testcontainers can be used.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// TestContainerTarget_Integration runs a real container, serves it as a
// target, and verifies availability tracks the container's lifetime.
func TestContainerTarget_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	sem := testutil.ContainerSemaphore()
	sem <- struct{}{}
	defer func() { <-sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	engine, err := container.NewEngine(ctx, container.EngineTypeDocker)
	if err != nil {
		t.Skipf("skipping container integration tests: no container engine available: %v", err)
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping container integration tests: testcontainers provider not available")
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "debian:stable-slim",
			Cmd:   []string{"sleep", "infinity"},
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start container: %v", err)
	}

	c, err := NewContainer(ctx, engine, container.ContainerID(ctr.GetContainerID()), WithPollInterval(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	if !c.IsAvailable() {
		t.Fatal("running container should be available")
	}

	var out bytes.Buffer
	res, err := engine.Exec(ctx, c.Ref(), []string{"echo", "companion"}, container.ExecOptions{Stdout: &out})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Exec() = %+v, %v", res, err)
	}
	if out.String() != "companion\n" {
		t.Errorf("exec output = %q", out.String())
	}

	lost := make(chan struct{})
	c.OnUnavailable(func() { close(lost) })
	go func() { _ = c.Watch(ctx) }()

	stopTimeout := time.Second
	if err := ctr.Stop(ctx, &stopTimeout); err != nil {
		t.Fatalf("stop container: %v", err)
	}

	select {
	case <-lost:
	case <-time.After(30 * time.Second):
		t.Fatal("target did not report loss after container stop")
	}
}
