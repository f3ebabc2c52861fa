package crdt

import (
	"sort"
)

// Predicate selects rows by their present state.
type Predicate func(State) bool

// FieldEquals matches rows whose field holds exactly value.
func FieldEquals(field string, value Value) Predicate {
	return func(s State) bool {
		v, ok := s[field]
		return ok && v.Equal(value)
	}
}

// TypeIs matches rows whose implicit type field equals typ.
func TypeIs(typ string) Predicate {
	return FieldEquals(TypeField, String(typ))
}

// EventKind classifies view notifications.
type EventKind int

const (
	// Create means a row started matching the view.
	Create EventKind = iota
	// Change means a member row's matched state changed.
	Change
	// Remove means a row stopped matching the view.
	Remove
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Change:
		return "change"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// ViewEvent describes one settled membership or state change.
type ViewEvent struct {
	Kind  EventKind
	RowID string
	// State is the row's state after the change (empty after a removal).
	State State
	// Prev is the state last notified for this row (nil on Create).
	Prev State
	// Changed lists the fields that differ between Prev and State.
	Changed []string
}

// View is a live, filtered subset of document rows.
type View struct {
	doc      *Doc
	match    Predicate
	members  map[string]State    // settled, as last notified
	live     map[string]struct{} // matching right now
	handlers map[int]func(ViewEvent)
	nextID   int
}

func newView(d *Doc, pred Predicate) *View {
	v := &View{
		doc:      d,
		match:    pred,
		members:  make(map[string]State),
		live:     make(map[string]struct{}),
		handlers: make(map[int]func(ViewEvent)),
	}
	for id, row := range d.rows {
		if s := row.State(); len(s) > 0 && pred(s) {
			v.members[id] = s
			v.live[id] = struct{}{}
		}
	}
	return v
}

// track updates live membership as soon as a row changes.
func (v *View) track(id string, state State) {
	if len(state) > 0 && v.match(state) {
		v.live[id] = struct{}{}
	} else {
		delete(v.live, id)
	}
}

// On registers fn for every notification of this view. The returned func
// removes the handler.
func (v *View) On(fn func(ViewEvent)) func() {
	id := v.nextID
	v.nextID++
	v.handlers[id] = fn
	return func() { delete(v.handlers, id) }
}

// Has reports whether the row currently matches.
func (v *View) Has(id string) bool {
	_, ok := v.Get(id)
	return ok
}

// Get returns the current state of a matching row.
func (v *View) Get(id string) (State, bool) {
	if _, ok := v.live[id]; !ok {
		return nil, false
	}
	row, ok := v.doc.rows[id]
	if !ok {
		return nil, false
	}
	return row.State(), true
}

// Rows returns the ids and states of all matching rows sorted by id.
// Membership reflects the document immediately, before notifications settle.
func (v *View) Rows() []RowState {
	out := make([]RowState, 0, len(v.live))
	for id := range v.live {
		if row, ok := v.doc.rows[id]; ok {
			out = append(out, RowState{ID: id, State: row.State()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of matching rows.
func (v *View) Len() int {
	return len(v.live)
}

// RowState pairs a row id with a state snapshot.
type RowState struct {
	ID    string
	State State
}

func (v *View) settle(id string, state State) {
	now := len(state) > 0 && v.match(state)
	prev, was := v.members[id]

	var ev ViewEvent
	switch {
	case !was && now:
		v.members[id] = state.Copy()
		ev = ViewEvent{Kind: Create, RowID: id, State: state}
	case was && !now:
		delete(v.members, id)
		ev = ViewEvent{Kind: Remove, RowID: id, State: state, Prev: prev}
		ev.Changed = diff(prev, state)
	case was && now:
		changed := diff(prev, state)
		if len(changed) == 0 {
			return
		}
		v.members[id] = state.Copy()
		ev = ViewEvent{Kind: Change, RowID: id, State: state, Prev: prev, Changed: changed}
	default:
		return
	}
	v.emit(ev)
}

func (v *View) emit(ev ViewEvent) {
	ids := make([]int, 0, len(v.handlers))
	for id := range v.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := v.handlers[id]; ok {
			fn(ev)
		}
	}
}

func diff(a, b State) []string {
	changed := make([]string, 0)
	for k, av := range a {
		if bv, ok := b[k]; !ok || !av.Equal(bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
