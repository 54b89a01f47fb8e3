package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/voice-relay/internal/backoff"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
)

type fakeDocker struct {
	mu      sync.Mutex
	states  map[string]bool // name -> running
	broken  map[string]bool
	started []string
}

func (f *fakeDocker) ContainerInspect(_ context.Context, name string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[name] {
		return container.InspectResponse{}, errors.New("daemon unavailable")
	}
	running, ok := f.states[name]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", name, errdefs.ErrNotFound)
	}
	resp := container.InspectResponse{}
	resp.ContainerJSONBase = &container.ContainerJSONBase{State: &container.State{Running: running}}
	return resp, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, name string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	f.states[name] = true
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func TestStates(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{
		states: map[string]bool{"whisper": true, "kokoro": false},
		broken: map[string]bool{"flaky": true},
	}
	p := NewChecker(cli, []string{"whisper", "kokoro", "missing", "flaky"}, time.Second, nil)
	got := p.States(context.Background())
	want := map[string]string{
		"whisper": StateRunning,
		"kokoro":  StateStopped,
		"missing": StateNotFound,
		"flaky":   StateError,
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("state[%s] = %q, want %q", name, got[name], w)
		}
	}
}

func TestEnsureRunningStartsStopped(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{states: map[string]bool{"whisper": true, "kokoro": false}}
	p := NewChecker(cli, []string{"whisper", "kokoro"}, time.Second, nil)
	if err := p.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if len(cli.started) != 1 || cli.started[0] != "kokoro" {
		t.Errorf("started = %v, want [kokoro]", cli.started)
	}
}

func TestEnsureRunningReportsMissing(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{states: map[string]bool{}}
	p := NewChecker(cli, []string{"whisper"}, time.Second, nil)
	if err := p.EnsureRunning(context.Background()); err == nil {
		t.Error("expected error for missing container")
	}
	if len(cli.started) != 0 {
		t.Errorf("started = %v, want none", cli.started)
	}
}

func TestWatchdogSweeps(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{states: map[string]bool{"kokoro": false}}
	p := NewChecker(cli, []string{"kokoro"}, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWatchdog(ctx, p, 10*time.Millisecond, backoff.Policy{Base: time.Millisecond, Factor: 2}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		cli.mu.Lock()
		n := len(cli.started)
		cli.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watchdog never restarted the container")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
