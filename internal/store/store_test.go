package store

import (
	"strings"
	"testing"
	"time"
)

func TestBuildResultFilterEmpty(t *testing.T) {
	where, args := buildResultFilter(ResultFilter{})
	if where != "" {
		t.Fatalf("expected empty where, got %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %d", len(args))
	}
}

func TestBuildResultFilterAll(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	where, args := buildResultFilter(ResultFilter{
		Mode:       "sequential",
		PlayerType: "ai",
		From:       &from,
		To:         &to,
	})
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
	for _, want := range []string{"mode = $1", "player_types @> $2::jsonb", "ts >= $3", "ts <= $4"} {
		if !strings.Contains(where, want) {
			t.Fatalf("where %q missing %q", where, want)
		}
	}
	if !strings.HasPrefix(where, " WHERE ") {
		t.Fatalf("where %q should start with WHERE", where)
	}
	if args[1] != `["ai"]` {
		t.Fatalf("player type arg should be a jsonb array literal, got %v", args[1])
	}
}

func TestBuildResultFilterPartial(t *testing.T) {
	where, args := buildResultFilter(ResultFilter{PlayerType: "human"})
	if want := " WHERE player_types @> $1::jsonb"; where != want {
		t.Fatalf("got %q, want %q", where, want)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}
}

func TestNewIDMonotonic(t *testing.T) {
	a := NewID()
	b := NewID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected id lengths %d %d", len(a), len(b))
	}
	if a >= b {
		t.Fatalf("ids should be monotonically increasing: %s then %s", a, b)
	}
}

func TestNewCodeAlphabet(t *testing.T) {
	for i := 0; i < 20; i++ {
		code := NewCode(6)
		if len(code) != 6 {
			t.Fatalf("code %q, want length 6", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(crockford, r) {
				t.Fatalf("code %q contains %q outside the crockford alphabet", code, r)
			}
		}
	}
}
