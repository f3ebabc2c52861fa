package repair

import (
	"testing"

	"github.com/cheddar/seaport/internal/clock"
)

type version struct {
	value string
	ts    clock.Timestamp
}

func (v version) Stamp() clock.Timestamp { return v.ts }

func TestSupersedes(t *testing.T) {
	tests := []struct {
		name     string
		current  clock.Timestamp
		incoming clock.Timestamp
		want     bool
	}{
		{"empty field", clock.Timestamp{}, clock.Timestamp{Counter: 1, Node: "a"}, true},
		{"newer counter", clock.Timestamp{Counter: 1, Node: "z"}, clock.Timestamp{Counter: 2, Node: "a"}, true},
		{"older counter", clock.Timestamp{Counter: 3, Node: "a"}, clock.Timestamp{Counter: 2, Node: "z"}, false},
		{"tie higher writer", clock.Timestamp{Counter: 2, Node: "a"}, clock.Timestamp{Counter: 2, Node: "b"}, true},
		{"tie lower writer", clock.Timestamp{Counter: 2, Node: "b"}, clock.Timestamp{Counter: 2, Node: "a"}, false},
		{"same write", clock.Timestamp{Counter: 2, Node: "a"}, clock.Timestamp{Counter: 2, Node: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Supersedes(tt.current, tt.incoming); got != tt.want {
				t.Errorf("Supersedes(%v, %v) = %v, want %v", tt.current, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestWinner_OrderIndependent(t *testing.T) {
	a := version{"a", clock.Timestamp{Counter: 2, Node: "n1"}}
	b := version{"b", clock.Timestamp{Counter: 2, Node: "n2"}}
	c := version{"c", clock.Timestamp{Counter: 1, Node: "n3"}}

	orders := [][]version{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, order := range orders {
		w, ok := Winner(order)
		if !ok {
			t.Fatal("Expected a winner")
		}
		if w.value != "b" {
			t.Errorf("Expected winner 'b' for order %v, got '%s'", order, w.value)
		}
	}
}

func TestWinner_Empty(t *testing.T) {
	if _, ok := Winner([]version{}); ok {
		t.Error("Expected no winner for empty input")
	}
}

func TestMissing_FiltersAndSorts(t *testing.T) {
	digest := clock.NewVector()
	digest.Observe(clock.Timestamp{Counter: 2, Node: "n1"})

	versions := []version{
		{"n2-5", clock.Timestamp{Counter: 5, Node: "n2"}},
		{"n1-1", clock.Timestamp{Counter: 1, Node: "n1"}},
		{"n1-3", clock.Timestamp{Counter: 3, Node: "n1"}},
		{"n1-2", clock.Timestamp{Counter: 2, Node: "n1"}},
	}

	got := Missing(versions, digest)
	if len(got) != 2 {
		t.Fatalf("Expected 2 missing versions, got %d", len(got))
	}
	if got[0].value != "n1-3" || got[1].value != "n2-5" {
		t.Errorf("Expected [n1-3 n2-5], got [%s %s]", got[0].value, got[1].value)
	}
}

func TestMissing_NilDigestReturnsAll(t *testing.T) {
	versions := []version{
		{"b", clock.Timestamp{Counter: 2, Node: "n1"}},
		{"a", clock.Timestamp{Counter: 1, Node: "n1"}},
	}
	got := Missing(versions, nil)
	if len(got) != 2 || got[0].value != "a" {
		t.Errorf("Expected all versions sorted, got %v", got)
	}
}
