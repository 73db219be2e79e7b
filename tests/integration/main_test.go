package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/sandboxd/sandboxd/internal/engine"
)

var eng *engine.DockerEngine

// TestMain connects to the local Docker daemon; without one the suite
// is skipped rather than failed, mirroring CI machines without engine
// access.
func TestMain(m *testing.M) {
	var err error
	eng, err = engine.NewDockerEngine()
	if err != nil {
		fmt.Printf("Failed to init engine: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Ping(context.Background()); err != nil {
		fmt.Printf("Docker unreachable, skipping integration tests: %v\n", err)
		os.Exit(0)
	}

	code := m.Run()
	eng.Close()
	os.Exit(code)
}
