package crdt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cheddar/seaport/internal/clock"
)

// ErrMalformedUpdate is returned when an update cannot be decoded from its
// wire form.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Signature names the authorization row whose key produced Sig.
type Signature struct {
	SignerID string
	Sig      []byte
}

// MarshalText encodes the signature as the JSON text ["signerId","base64"].
func (s Signature) MarshalText() ([]byte, error) {
	return json.Marshal([2]string{s.SignerID, base64.StdEncoding.EncodeToString(s.Sig)})
}

// UnmarshalText decodes the JSON text produced by MarshalText.
func (s *Signature) UnmarshalText(text []byte) error {
	var parts [2]string
	if err := json.Unmarshal(text, &parts); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	s.SignerID = parts[0]
	s.Sig = sig
	return nil
}

// Update is one field write: (rowId, field, value, timestamp, signature?).
type Update struct {
	RowID     string
	Field     string
	Value     Value
	Timestamp clock.Timestamp
	Signature *Signature
}

// Stamp returns the update's timestamp.
func (u Update) Stamp() clock.Timestamp {
	return u.Timestamp
}

// SigningBytes returns the canonical encoding covered by the signature:
// [rowId, field, value|null, counter, writer].
func (u Update) SigningBytes() []byte {
	b, _ := json.Marshal([]any{
		u.RowID,
		u.Field,
		u.Value.Raw(),
		u.Timestamp.Counter,
		u.Timestamp.Node,
	})
	return b
}

// MarshalJSON encodes the wire form [rowId, field, value|null, counter, writer, sig?].
func (u Update) MarshalJSON() ([]byte, error) {
	parts := []any{
		u.RowID,
		u.Field,
		u.Value.Raw(),
		u.Timestamp.Counter,
		u.Timestamp.Node,
	}
	if u.Signature != nil {
		text, err := u.Signature.MarshalText()
		if err != nil {
			return nil, err
		}
		parts = append(parts, string(text))
	}
	return json.Marshal(parts)
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (u *Update) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if len(parts) != 5 && len(parts) != 6 {
		return fmt.Errorf("%w: expected 5 or 6 elements, got %d", ErrMalformedUpdate, len(parts))
	}

	var out Update
	if err := json.Unmarshal(parts[0], &out.RowID); err != nil || out.RowID == "" {
		return fmt.Errorf("%w: bad row id", ErrMalformedUpdate)
	}
	if err := json.Unmarshal(parts[1], &out.Field); err != nil || out.Field == "" {
		return fmt.Errorf("%w: bad field", ErrMalformedUpdate)
	}
	if !bytes.Equal(bytes.TrimSpace(parts[2]), jsonNull) {
		v, err := fromRaw(parts[2])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		out.Value = v
	}
	if err := json.Unmarshal(parts[3], &out.Timestamp.Counter); err != nil {
		return fmt.Errorf("%w: bad counter", ErrMalformedUpdate)
	}
	if out.Timestamp.Counter == 0 || out.Timestamp.Counter > clock.MaxCounter {
		return fmt.Errorf("%w: counter %d out of range", ErrMalformedUpdate, out.Timestamp.Counter)
	}
	if err := json.Unmarshal(parts[4], &out.Timestamp.Node); err != nil || out.Timestamp.Node == "" {
		return fmt.Errorf("%w: bad writer", ErrMalformedUpdate)
	}
	if len(parts) == 6 && !bytes.Equal(bytes.TrimSpace(parts[5]), jsonNull) {
		var text string
		if err := json.Unmarshal(parts[5], &text); err != nil {
			return fmt.Errorf("%w: bad signature", ErrMalformedUpdate)
		}
		var sig Signature
		if err := sig.UnmarshalText([]byte(text)); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		out.Signature = &sig
	}

	*u = out
	return nil
}

// String returns a short description for logs.
func (u Update) String() string {
	return fmt.Sprintf("%s.%s=%s @%s", u.RowID, u.Field, u.Value, u.Timestamp)
}
