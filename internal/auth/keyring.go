package auth

import (
	"sort"

	"github.com/cheddar/seaport/internal/crdt"
)

// KeyField is the authorize row field holding the public key text.
const KeyField = "key"

// Keyring is the single trust lookup used by both the signer and the
// verifier. It merges replicated authorize rows with pending keys that
// were authorized locally or learned from a peer's handshake.
// Not safe for concurrent use; it is driven from the node's loop.
type Keyring struct {
	view    *crdt.View
	pending map[string]string // row id -> key text
	parsed  map[string]*PublicKey
}

// NewKeyring creates a keyring over the view of authorize rows.
func NewKeyring(view *crdt.View) *Keyring {
	k := &Keyring{
		view:    view,
		pending: make(map[string]string),
		parsed:  make(map[string]*PublicKey),
	}
	// A removed authorize row revokes the pending copy too
	view.On(func(ev crdt.ViewEvent) {
		if ev.Kind == crdt.Remove {
			delete(k.pending, ev.RowID)
		}
	})
	return k
}

// Trust records a key under rowID before (or without) its row replicating.
func (k *Keyring) Trust(rowID, key string) {
	if rowID == "" || key == "" {
		return
	}
	k.pending[rowID] = key
}

// Lookup returns the key text authorized under rowID.
func (k *Keyring) Lookup(rowID string) (string, bool) {
	if state, ok := k.view.Get(rowID); ok {
		if key := state.GetString(KeyField); key != "" {
			return key, true
		}
	}
	key, ok := k.pending[rowID]
	return key, ok
}

// PublicKey returns the parsed key authorized under rowID.
func (k *Keyring) PublicKey(rowID string) (*PublicKey, bool) {
	text, ok := k.Lookup(rowID)
	if !ok {
		return nil, false
	}
	return k.parse(text)
}

func (k *Keyring) parse(text string) (*PublicKey, bool) {
	if pub, ok := k.parsed[text]; ok {
		return pub, pub != nil
	}
	pub, err := ParsePublicKey(text)
	if err != nil {
		// Remember the failure so bad rows are not reparsed on every update
		k.parsed[text] = nil
		return nil, false
	}
	k.parsed[text] = pub
	return pub, true
}

// Find returns the lowest row id whose key equals pub.
func (k *Keyring) Find(pub *PublicKey) (string, bool) {
	if pub == nil {
		return "", false
	}
	for _, id := range k.ids() {
		text, _ := k.Lookup(id)
		if text == pub.String() {
			return id, true
		}
		if candidate, ok := k.parse(text); ok && candidate.Equal(pub) {
			return id, true
		}
	}
	return "", false
}

// Len returns the number of authorized keys.
func (k *Keyring) Len() int {
	n := len(k.pending)
	for _, rs := range k.view.Rows() {
		if _, dup := k.pending[rs.ID]; !dup && rs.State.GetString(KeyField) != "" {
			n++
		}
	}
	return n
}

// Empty reports whether no key is authorized. It does not scan the view
// unless pending keys are absent and authorize rows exist.
func (k *Keyring) Empty() bool {
	if len(k.pending) > 0 {
		return false
	}
	if k.view.Len() == 0 {
		return true
	}
	for _, rs := range k.view.Rows() {
		if rs.State.GetString(KeyField) != "" {
			return false
		}
	}
	return true
}

// Snapshot returns every authorized row id mapped to its key text.
func (k *Keyring) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, id := range k.ids() {
		out[id], _ = k.Lookup(id)
	}
	return out
}

func (k *Keyring) ids() []string {
	seen := make(map[string]struct{})
	for _, rs := range k.view.Rows() {
		if rs.State.GetString(KeyField) != "" {
			seen[rs.ID] = struct{}{}
		}
	}
	for id := range k.pending {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
