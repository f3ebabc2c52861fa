package auth

import (
	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	sha256 "github.com/minio/sha256-simd"

	"github.com/cheddar/seaport/internal/crdt"
)

const defaultCacheSize = 4096

// Reject reasons.
const (
	ReasonUnsigned      = "unsigned"
	ReasonUnknownSigner = "unknown signer"
	ReasonBadSignature  = "bad signature"
)

// Reject describes an update refused by Verify.
type Reject struct {
	RowID  string
	Field  string
	Writer string
	Reason string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithPrivateKey enables signing of local updates.
func WithPrivateKey(k *PrivateKey) Option {
	return func(a *Authorizer) { a.priv = k }
}

// WithRejectHandler sets the callback invoked for every rejected update.
func WithRejectHandler(fn func(Reject)) Option {
	return func(a *Authorizer) { a.onReject = fn }
}

// WithCacheSize sets how many verified signatures are remembered.
func WithCacheSize(n int) Option {
	return func(a *Authorizer) { a.cacheSize = n }
}

// Authorizer implements crdt.Authorizer over a Keyring.
type Authorizer struct {
	keyring   *Keyring
	priv      *PrivateKey
	onReject  func(Reject)
	cacheSize int
	verified  *lru.Cache[[32]byte, struct{}]
}

var _ crdt.Authorizer = (*Authorizer)(nil)

// New creates an Authorizer.
func New(keyring *Keyring, opts ...Option) (*Authorizer, error) {
	a := &Authorizer{
		keyring:   keyring,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	cache, err := lru.New[[32]byte, struct{}](a.cacheSize)
	if err != nil {
		return nil, err
	}
	a.verified = cache
	return a, nil
}

// Keyring returns the trust set the authorizer consults.
func (a *Authorizer) Keyring() *Keyring {
	return a.keyring
}

// CanSign reports whether a private key is configured.
func (a *Authorizer) CanSign() bool {
	return a.priv != nil
}

// Sign signs u with the configured private key under the row id that
// authorizes its public key. Without a private key updates travel unsigned.
func (a *Authorizer) Sign(u crdt.Update) *crdt.Signature {
	if a.priv == nil {
		return nil
	}
	signer, ok := a.keyring.Find(a.priv.Public())
	if !ok {
		glog.V(1).Infof("[auth] own key not authorized, sending %s.%s unsigned", u.RowID, u.Field)
		return nil
	}
	sig, err := a.priv.Sign(u.SigningBytes())
	if err != nil {
		glog.Errorf("[auth] failed to sign %s.%s: %v", u.RowID, u.Field, err)
		return nil
	}
	return &crdt.Signature{SignerID: signer, Sig: sig}
}

// Verify accepts every update while no key is authorized. Otherwise the
// update must carry a valid signature from an authorized key.
func (a *Authorizer) Verify(u crdt.Update) bool {
	if a.keyring.Empty() {
		return true
	}
	if u.Signature == nil {
		a.reject(u, ReasonUnsigned)
		return false
	}
	pub, ok := a.keyring.PublicKey(u.Signature.SignerID)
	if !ok {
		a.reject(u, ReasonUnknownSigner)
		return false
	}

	msg := u.SigningBytes()
	key := cacheKey(msg, u.Signature)
	if _, ok := a.verified.Get(key); ok {
		return true
	}
	if !pub.Verify(msg, u.Signature.Sig) {
		a.reject(u, ReasonBadSignature)
		return false
	}
	a.verified.Add(key, struct{}{})
	return true
}

func (a *Authorizer) reject(u crdt.Update, reason string) {
	glog.Warningf("[auth] rejected %s.%s from %s: %s", u.RowID, u.Field, u.Timestamp.Node, reason)
	if a.onReject != nil {
		a.onReject(Reject{
			RowID:  u.RowID,
			Field:  u.Field,
			Writer: u.Timestamp.Node,
			Reason: reason,
		})
	}
}

func cacheKey(msg []byte, sig *crdt.Signature) [32]byte {
	h := sha256.New()
	h.Write(msg)
	h.Write([]byte{0})
	h.Write([]byte(sig.SignerID))
	h.Write([]byte{0})
	h.Write(sig.Sig)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
