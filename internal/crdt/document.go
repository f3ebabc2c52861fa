package crdt

import (
	"errors"
	"sort"

	"github.com/cheddar/seaport/internal/clock"
	"github.com/cheddar/seaport/internal/repair"
)

// ErrEmptyKey is returned when a row id or field name is empty.
var ErrEmptyKey = errors.New("crdt: empty row id or field")

// Authorizer signs local writes and verifies remote ones.
type Authorizer interface {
	// Sign returns the signature for a local update, or nil to send it unsigned.
	Sign(u Update) *Signature
	// Verify reports whether a remote update may be applied.
	Verify(u Update) bool
}

// Scheduler runs fn after the current unit of work completes.
type Scheduler interface {
	Defer(fn func())
}

// Option configures a Doc.
type Option func(*Doc)

// WithAuthorizer sets the sign/verify hooks. Without one every update is
// unsigned and accepted.
func WithAuthorizer(a Authorizer) Option {
	return func(d *Doc) { d.auth = a }
}

// WithScheduler sets where view notifications are deferred to. Without one,
// notifications wait until Flush is called.
func WithScheduler(s Scheduler) Option {
	return func(d *Doc) { d.sched = s }
}

// Doc is the replicated document. It is not safe for concurrent use; the
// owning node drives it from a single goroutine.
type Doc struct {
	id     string
	clock  *clock.Lamport
	digest clock.Vector
	rows   map[string]*Row
	auth   Authorizer
	sched  Scheduler

	views   []*View
	subs    map[int]func(Update, any)
	nextSub int

	dirty          map[string]struct{}
	dirtyOrder     []string
	flushScheduled bool
}

// NewDoc creates an empty document owned by nodeID.
func NewDoc(nodeID string, opts ...Option) *Doc {
	d := &Doc{
		id:     nodeID,
		clock:  clock.NewLamport(nodeID),
		digest: clock.NewVector(),
		rows:   make(map[string]*Row),
		subs:   make(map[int]func(Update, any)),
		dirty:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetAuthorizer replaces the sign/verify hooks. Authorizers that read the
// document through a view are created after it and attached here.
func (d *Doc) SetAuthorizer(a Authorizer) {
	d.auth = a
}

// ID returns the owning node's id.
func (d *Doc) ID() string {
	return d.id
}

// Set writes every field of patch to rowID as local updates and returns
// them in the order they were applied.
func (d *Doc) Set(rowID string, patch Patch) ([]Update, error) {
	if rowID == "" {
		return nil, ErrEmptyKey
	}
	fields := make([]string, 0, len(patch))
	for f := range patch {
		if f == "" {
			return nil, ErrEmptyKey
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	updates := make([]Update, 0, len(fields))
	for _, f := range fields {
		ts, err := d.clock.Tick()
		if err != nil {
			return updates, err
		}
		u := Update{
			RowID:     rowID,
			Field:     f,
			Value:     patch[f],
			Timestamp: ts,
		}
		if d.auth != nil {
			u.Signature = d.auth.Sign(u)
		}
		d.digest.Observe(u.Timestamp)
		d.merge(u)
		d.broadcast(u, nil)
		updates = append(updates, u)
	}
	return updates, nil
}

// Remove tombstones every present field of the row, including its type.
func (d *Doc) Remove(rowID string) []Update {
	row, ok := d.rows[rowID]
	if !ok {
		return nil
	}
	patch := make(Patch)
	for f, fv := range row.fields {
		if !fv.Value.IsTombstone() {
			patch[f] = Tombstone()
		}
	}
	if len(patch) == 0 {
		return nil
	}
	updates, _ := d.Set(rowID, patch)
	return updates
}

// Apply merges an update received from a peer. origin identifies where it
// came from so subscribers can avoid echoing it back. Returns true if the
// update changed the document.
func (d *Doc) Apply(u Update, origin any) bool {
	if u.RowID == "" || u.Field == "" || !u.Timestamp.Valid() {
		return false
	}
	if row, ok := d.rows[u.RowID]; ok {
		if fv, ok := row.fields[u.Field]; ok && !repair.Supersedes(fv.Timestamp, u.Timestamp) {
			// Already have this write or a newer one
			d.clock.Observe(u.Timestamp)
			return false
		}
	}
	if d.auth != nil && !d.auth.Verify(u) {
		return false
	}

	d.clock.Observe(u.Timestamp)
	d.digest.Observe(u.Timestamp)
	d.merge(u)
	d.broadcast(u, origin)
	return true
}

func (d *Doc) merge(u Update) {
	row, ok := d.rows[u.RowID]
	if !ok {
		row = newRow(u.RowID)
		d.rows[u.RowID] = row
	}
	row.fields[u.Field] = FieldVersion{
		Value:     u.Value,
		Timestamp: u.Timestamp,
		Signature: u.Signature,
	}
	if len(d.views) > 0 {
		state := row.State()
		for _, v := range d.views {
			v.track(u.RowID, state)
		}
	}
	d.markDirty(u.RowID)
}

func (d *Doc) broadcast(u Update, origin any) {
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := d.subs[id]; ok {
			fn(u, origin)
		}
	}
}

// Subscribe registers fn to receive every update applied to the document,
// local or remote. The returned func cancels the subscription.
func (d *Doc) Subscribe(fn func(u Update, origin any)) func() {
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() { delete(d.subs, id) }
}

// Row returns the row with the given id, live or not.
func (d *Doc) Row(id string) (*Row, bool) {
	row, ok := d.rows[id]
	return row, ok
}

// Rows returns the live rows sorted by id.
func (d *Doc) Rows() []*Row {
	out := make([]*Row, 0, len(d.rows))
	for _, row := range d.rows {
		if row.Live() {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Digest returns a copy of the highest timestamp seen per writer.
func (d *Doc) Digest() clock.Vector {
	return d.digest.Copy()
}

// History returns the winning write of every field not covered by since,
// tombstones included, ordered by timestamp.
func (d *Doc) History(since clock.Vector) []Update {
	all := make([]Update, 0)
	for id, row := range d.rows {
		for f, fv := range row.fields {
			all = append(all, Update{
				RowID:     id,
				Field:     f,
				Value:     fv.Value,
				Timestamp: fv.Timestamp,
				Signature: fv.Signature,
			})
		}
	}
	return repair.Missing(all, since)
}

func (d *Doc) markDirty(id string) {
	if _, ok := d.dirty[id]; !ok {
		d.dirty[id] = struct{}{}
		d.dirtyOrder = append(d.dirtyOrder, id)
	}
	if !d.flushScheduled && d.sched != nil {
		d.flushScheduled = true
		d.sched.Defer(d.Flush)
	}
}

// Flush delivers pending view notifications for every row changed since
// the last flush. Each changed row yields at most one notification per view.
func (d *Doc) Flush() {
	d.flushScheduled = false
	ids := d.dirtyOrder
	d.dirtyOrder = nil
	d.dirty = make(map[string]struct{})

	for _, id := range ids {
		var state State
		if row, ok := d.rows[id]; ok {
			state = row.State()
		}
		for _, v := range append([]*View(nil), d.views...) {
			v.settle(id, state)
		}
	}
}

// CreateView returns a live view of the rows matching pred. Rows that
// already match are members from the start without a Create notification.
func (d *Doc) CreateView(pred Predicate) *View {
	v := newView(d, pred)
	d.views = append(d.views, v)
	return v
}
