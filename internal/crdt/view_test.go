package crdt

import (
	"fmt"
	"reflect"
	"testing"
)

func TestView_CreateChangeRemove(t *testing.T) {
	d := NewDoc("n1")
	view := d.CreateView(TypeIs("service"))

	var events []ViewEvent
	view.On(func(ev ViewEvent) { events = append(events, ev) })

	d.Set("s1", Patch{"type": String("service"), "port": Int(1)})
	d.Flush()
	d.Set("s1", Patch{"port": Int(2)})
	d.Flush()
	d.Remove("s1")
	d.Flush()

	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Kind != Create {
		t.Errorf("Expected Create, got %v", events[0].Kind)
	}
	if events[1].Kind != Change || !reflect.DeepEqual(events[1].Changed, []string{"port"}) {
		t.Errorf("Expected Change on [port], got %v %v", events[1].Kind, events[1].Changed)
	}
	if events[2].Kind != Remove {
		t.Errorf("Expected Remove, got %v", events[2].Kind)
	}
	if events[2].Prev.GetInt("port") != 2 {
		t.Errorf("Expected Remove to carry prior state port=2, got %d", events[2].Prev.GetInt("port"))
	}
}

func TestView_FiltersOtherTypes(t *testing.T) {
	d := NewDoc("n1")
	services := d.CreateView(TypeIs("service"))
	addresses := d.CreateView(TypeIs("address"))

	d.Set("s", Patch{"type": String("service")})
	d.Set("a", Patch{"type": String("address")})

	if services.Len() != 1 || !services.Has("s") {
		t.Error("Expected services view to hold only s")
	}
	if addresses.Len() != 1 || !addresses.Has("a") {
		t.Error("Expected addresses view to hold only a")
	}
}

func TestView_ExistingRowsAreMembersWithoutEvents(t *testing.T) {
	d := NewDoc("n1")
	d.Set("s", Patch{"type": String("service")})
	d.Flush()

	view := d.CreateView(TypeIs("service"))
	fired := false
	view.On(func(ViewEvent) { fired = true })
	d.Flush()

	if !view.Has("s") {
		t.Error("Expected pre-existing row to be a member")
	}
	if fired {
		t.Error("Expected no event for pre-existing members")
	}
}

func TestView_CreateAndRemoveInOneTickIsSilent(t *testing.T) {
	d := NewDoc("n1")
	view := d.CreateView(TypeIs("service"))
	fired := false
	view.On(func(ViewEvent) { fired = true })

	d.Set("s", Patch{"type": String("service")})
	d.Remove("s")
	d.Flush()

	if fired {
		t.Error("Expected no notification for a row that never settled as a member")
	}
}

func TestView_HandlerCancel(t *testing.T) {
	d := NewDoc("n1")
	view := d.CreateView(TypeIs("service"))
	count := 0
	cancel := view.On(func(ViewEvent) { count++ })

	d.Set("a", Patch{"type": String("service")})
	d.Flush()
	cancel()
	d.Set("b", Patch{"type": String("service")})
	d.Flush()

	if count != 1 {
		t.Errorf("Expected 1 event before cancel, got %d", count)
	}
}

func TestView_RowsSorted(t *testing.T) {
	d := NewDoc("n1")
	view := d.CreateView(TypeIs("service"))
	d.Set("c", Patch{"type": String("service")})
	d.Set("a", Patch{"type": String("service")})
	d.Set("b", Patch{"type": String("service")})

	rows := view.Rows()
	ids := []string{rows[0].ID, rows[1].ID, rows[2].ID}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("Expected sorted ids, got %v", ids)
	}
}

func TestView_LiveMembershipBeforeFlush(t *testing.T) {
	d := NewDoc("n1")
	view := d.CreateView(TypeIs("service"))
	for i := 0; i < 50; i++ {
		d.Set(fmt.Sprintf("addr-%d", i), Patch{"type": String("address")})
	}
	d.Set("s1", Patch{"type": String("service")})
	d.Set("s2", Patch{"type": String("service")})

	if view.Len() != 2 {
		t.Fatalf("Expected 2 live members before flush, got %d", view.Len())
	}

	// Leaving the predicate and being removed both drop the row at once
	d.Set("s1", Patch{"type": String("address")})
	d.Remove("s2")
	if view.Len() != 0 || len(view.Rows()) != 0 {
		t.Errorf("Expected no live members, got %d", view.Len())
	}
	if view.Has("s1") {
		t.Error("Expected s1 to leave the view")
	}

	d.Set("s2", Patch{"type": String("service")})
	if !view.Has("s2") || view.Len() != 1 {
		t.Errorf("Expected s2 to rejoin, got len %d", view.Len())
	}
}
