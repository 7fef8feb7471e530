package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 3; i++ {
		i := i
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		})
	}
	sm.RegisterShutdownFunc(nil)

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("order = %v, want [2 1 0]", order)
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("a") })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return nil })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("b") })

	err := sm.Shutdown()
	if err == nil || err.Error() != "shutdown completed with 2 errors" {
		t.Errorf("Shutdown error = %v", err)
	}
}

func TestShutdownManager_WaitForContext(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 0)
	if sm.shutdownTimeout != 30*time.Second {
		t.Errorf("default timeout = %v", sm.shutdownTimeout)
	}

	ran := make(chan struct{})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.WaitForShutdown(ctx); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}

	select {
	case <-ran:
	default:
		t.Error("shutdown func did not run")
	}
}
