package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewShutdownManager(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)

	sm := NewShutdownManager(logger, nil, 10*time.Second)
	if sm.shutdownTimeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %s", sm.shutdownTimeout)
	}

	sm = NewShutdownManager(logger, nil, 0)
	if sm.shutdownTimeout != 30*time.Second {
		t.Errorf("Expected 30s default timeout, got %s", sm.shutdownTimeout)
	}
}

func TestShutdown_RunsFunctionsInOrder(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sm.shutdown(); err != nil {
		t.Fatalf("Expected clean shutdown, got: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("Expected functions to run in registration order, got %v", order)
	}
}

func TestShutdown_ReturnsFirstError(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	ran := 0
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran++
		return errors.New("first failure")
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran++
		return errors.New("second failure")
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran++
		return nil
	})

	err := sm.shutdown()
	if err == nil || err.Error() != "first failure" {
		t.Errorf("Expected first failure to be returned, got %v", err)
	}
	if ran != 3 {
		t.Errorf("Expected all functions to run despite errors, got %d", ran)
	}
}

func TestShutdown_DrainsHTTPServer(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Start()
	defer server.Close()

	sm := NewShutdownManager(logger, server.Config, 5*time.Second)
	if err := sm.shutdown(); err != nil {
		t.Fatalf("Expected clean server shutdown, got: %v", err)
	}

	// New requests must be refused after shutdown.
	if _, err := http.Get(server.URL); err == nil {
		t.Error("Expected requests to fail after shutdown")
	}
}

func TestShutdown_NoFunctions(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, time.Second)

	if err := sm.shutdown(); err != nil {
		t.Errorf("Expected clean shutdown with nothing registered, got: %v", err)
	}
}

func TestShutdown_ContextPassedToFunctions(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 2*time.Second)

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected shutdown context to carry a deadline")
		}
		return nil
	})

	if err := sm.shutdown(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}
