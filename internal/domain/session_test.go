package domain

import (
	"testing"
	"time"
)

func TestSessionIDFromCwd(t *testing.T) {
	t.Parallel()

	a := SessionIDFromCwd("/home/u/proj")
	b := SessionIDFromCwd("/home/u/proj")
	if a != b {
		t.Fatalf("ids differ for same cwd: %q vs %q", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("len(id) = %d, want 12", len(a))
	}
	if SessionIDFromCwd("/home/u/proj-worktree") == a {
		t.Fatal("different cwd produced same id")
	}
}

func TestRoomNameIgnoresDisplayName(t *testing.T) {
	t.Parallel()

	id := SessionIDFromCwd("/home/u/proj")
	if got, want := RoomName(id), "vmux_"+id; got != want {
		t.Errorf("RoomName = %q, want %q", got, want)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := Session{LastHeartbeat: now.Add(-10 * time.Minute)}
	if s.IsStale(now, 10*time.Minute) {
		t.Error("heartbeat exactly at timeout should not be stale")
	}
	if !s.IsStale(now.Add(time.Millisecond), 10*time.Minute) {
		t.Error("heartbeat past timeout should be stale")
	}
}

func TestDirName(t *testing.T) {
	t.Parallel()

	if got := DirName("/home/u/proj/"); got != "proj" {
		t.Errorf("DirName = %q, want proj", got)
	}
	if got := DirName(""); got != "" {
		t.Errorf("DirName(\"\") = %q", got)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	for s, want := range map[Status]string{
		StatusIdle:     "idle",
		StatusThinking: "thinking",
		StatusSpeaking: "speaking",
		StatusError:    "error",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
