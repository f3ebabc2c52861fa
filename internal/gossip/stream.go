package gossip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/cheddar/seaport/internal/clock"
	"github.com/cheddar/seaport/internal/crdt"
	"github.com/cheddar/seaport/internal/loop"
)

// Executor runs fn on the goroutine that owns the document.
type Executor interface {
	DoContext(ctx context.Context, fn func()) error
}

// Config wires a stream to its document. Every callback runs on Exec.
type Config struct {
	Doc  *crdt.Doc
	Exec Executor

	// Meta returns the metadata advertised in the local header.
	Meta func() *Meta
	// OnHeader is called once the remote header arrives, before any
	// update is exchanged.
	OnHeader func(h Header)
	// OnEnd is called when a stream that completed its handshake ends.
	// err is nil for a clean close.
	OnEnd func(remoteID string, err error)
}

// Stream relays document updates over one connection.
type Stream struct {
	cfg  Config
	conn io.ReadWriteCloser
	out  *outbox

	// Only touched on the executor
	peer        clock.Vector
	unsubscribe func()
	handshaken  bool

	mu       sync.Mutex
	remoteID string

	closing atomic.Bool
	done    chan struct{}
}

// NewStream wraps conn. Nothing is sent until Run is called.
func NewStream(conn io.ReadWriteCloser, cfg Config) *Stream {
	return &Stream{
		cfg:  cfg,
		conn: conn,
		out:  newOutbox(),
		peer: clock.NewVector(),
		done: make(chan struct{}),
	}
}

// RemoteID returns the peer's node id, or "" before the handshake.
func (s *Stream) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Done is closed when Run returns.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close ends the stream from the local side. Closing an ended stream is a
// no-op.
func (s *Stream) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.conn.Close()
}

// Run performs the handshake and relays updates until the connection ends,
// ctx is cancelled or the peer sends malformed data. Decode failures are
// returned wrapping ErrDecode. The connection is always closed on return.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var local Header
	err := s.cfg.Exec.DoContext(ctx, func() {
		local = Header{ID: s.cfg.Doc.ID(), Clock: s.cfg.Doc.Digest()}
		if s.cfg.Meta != nil {
			local.Meta = s.cfg.Meta()
		}
	})
	if err != nil {
		s.conn.Close()
		return s.quiet(ctx, err)
	}
	line, err := encodeLine(local)
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to encode header: %w", err)
	}
	s.out.push(line)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})
	err = g.Wait()

	if errors.Is(err, ErrDecode) {
		glog.Warningf("[%s] invalid message on stream from %q: %v", local.ID, s.RemoteID(), err)
	}
	s.finish(err)
	return err
}

func (s *Stream) readLoop(ctx context.Context) error {
	dec := NewDecoder(s.conn)
	h, err := dec.Header()
	if err != nil {
		return s.readErr(ctx, err)
	}
	if err := s.cfg.Exec.DoContext(ctx, func() { s.handshake(h) }); err != nil {
		return s.quiet(ctx, err)
	}

	for {
		u, err := dec.Update()
		if err != nil {
			return s.readErr(ctx, err)
		}
		err = s.cfg.Exec.DoContext(ctx, func() {
			s.peer.Observe(u.Timestamp)
			if s.cfg.Doc.Apply(u, s) {
				glog.V(2).Infof("[%s] applied %s from %s", s.cfg.Doc.ID(), u, h.ID)
			}
		})
		if err != nil {
			return s.quiet(ctx, err)
		}
	}
}

func (s *Stream) writeLoop(ctx context.Context) error {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.out.ready:
		}
		for _, line := range s.out.drain() {
			if _, err := w.Write(line); err != nil {
				return s.writeErr(ctx, err)
			}
		}
		if err := w.Flush(); err != nil {
			return s.writeErr(ctx, err)
		}
	}
}

// handshake runs on the executor.
func (s *Stream) handshake(h Header) {
	s.mu.Lock()
	s.remoteID = h.ID
	s.mu.Unlock()
	s.handshaken = true

	glog.V(1).Infof("[%s] handshake with %s", s.cfg.Doc.ID(), h.ID)
	if s.cfg.OnHeader != nil {
		s.cfg.OnHeader(h)
	}

	if h.Clock != nil {
		s.peer.Merge(h.Clock)
	}
	for _, u := range s.cfg.Doc.History(h.Clock) {
		s.send(u)
	}
	s.unsubscribe = s.cfg.Doc.Subscribe(s.relay)
}

// relay runs on the executor for every document update.
func (s *Stream) relay(u crdt.Update, origin any) {
	if origin == s || s.peer.Covers(u.Timestamp) {
		return
	}
	s.send(u)
}

func (s *Stream) send(u crdt.Update) {
	s.peer.Observe(u.Timestamp)
	line, err := encodeLine(u)
	if err != nil {
		glog.Errorf("[%s] failed to encode %s: %v", s.cfg.Doc.ID(), u, err)
		return
	}
	s.out.push(line)
}

// finish detaches the stream from the document and reports the end.
func (s *Stream) finish(err error) {
	doErr := s.cfg.Exec.DoContext(context.Background(), func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		if s.handshaken && s.cfg.OnEnd != nil {
			s.cfg.OnEnd(s.RemoteID(), err)
		}
	})
	if doErr != nil && !errors.Is(doErr, loop.ErrStopped) {
		glog.Errorf("[%s] failed to finish stream: %v", s.cfg.Doc.ID(), doErr)
	}
}

// readErr maps read failures: a clean EOF or a local close ends the stream
// without error.
func (s *Stream) readErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrDecode) {
		return err
	}
	if errors.Is(err, io.EOF) || ctx.Err() != nil || s.closing.Load() {
		return nil
	}
	return fmt.Errorf("failed to read from peer: %w", err)
}

func (s *Stream) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || s.closing.Load() {
		return nil
	}
	return fmt.Errorf("failed to write to peer: %w", err)
}

// quiet drops errors caused by shutdown of the stream or its executor.
func (s *Stream) quiet(ctx context.Context, err error) error {
	if errors.Is(err, loop.ErrStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

// outbox is an unbounded queue of encoded lines drained by the writer.
type outbox struct {
	mu    sync.Mutex
	lines [][]byte
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(line []byte) {
	o.mu.Lock()
	o.lines = append(o.lines, line)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.lines
	o.lines = nil
	return lines
}
