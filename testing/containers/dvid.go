//go:build integration

// Package containers starts real DVID servers in Docker for integration tests.
package containers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// ImageEnv overrides the DVID image, e.g. a locally built one.
	ImageEnv = "DVID_TEST_IMAGE"

	dvidPort = "8000/tcp"
)

// DVIDContainerConfig holds configuration for the DVID test container
type DVIDContainerConfig struct {
	// Image is the DVID image reference (default: flyem/dvid:latest, or $DVID_TEST_IMAGE)
	Image string
	// StartupTimeout for container initialization (default: 90 seconds)
	StartupTimeout time.Duration
}

// DefaultDVIDConfig returns a DVIDContainerConfig populated with defaults.
func DefaultDVIDConfig() *DVIDContainerConfig {
	image := os.Getenv(ImageEnv)
	if image == "" {
		image = "flyem/dvid:latest"
	}
	return &DVIDContainerConfig{
		Image:          image,
		StartupTimeout: 90 * time.Second,
	}
}

// DVIDContainer wraps a running DVID container
type DVIDContainer struct {
	container testcontainers.Container
	address   string
}

// isDockerAvailable reports whether the Docker daemon can be reached.
func isDockerAvailable(ctx context.Context) bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// StartDVIDContainer starts a DVID server and waits until it answers
// /api/server/info. If cfg is nil, DefaultDVIDConfig is used. The test is
// skipped when Docker is not available.
func StartDVIDContainer(ctx context.Context, t *testing.T, cfg *DVIDContainerConfig) (*DVIDContainer, error) {
	t.Helper()

	if cfg == nil {
		cfg = DefaultDVIDConfig()
	}

	if !isDockerAvailable(ctx) {
		t.Skip("Docker is not available - skipping integration test. Install Docker Desktop or ensure Docker daemon is running.")
		return nil, nil
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.Image,
			ExposedPorts: []string{dvidPort},
			WaitingFor: wait.ForHTTP("/api/server/info").
				WithPort(dvidPort).
				WithStartupTimeout(cfg.StartupTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start DVID container: %w", err)
	}

	address, err := container.PortEndpoint(ctx, dvidPort, "")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get DVID endpoint: %w", err)
	}

	t.Logf("DVID container started successfully at %s", address)

	return &DVIDContainer{container: container, address: address}, nil
}

// Address returns the host:port of the DVID HTTP API.
func (d *DVIDContainer) Address() string {
	return d.address
}

// Terminate stops and removes the DVID container
func (d *DVIDContainer) Terminate(ctx context.Context) error {
	if d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

// MustStartDVIDContainer is StartDVIDContainer that fails the test on error.
// The container is terminated when the test finishes.
func MustStartDVIDContainer(ctx context.Context, t *testing.T, cfg *DVIDContainerConfig) *DVIDContainer {
	t.Helper()

	container, err := StartDVIDContainer(ctx, t, cfg)
	if err != nil {
		t.Fatalf("Failed to start DVID container: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate DVID container: %v", err)
		}
	})
	return container
}
