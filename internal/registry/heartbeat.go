package registry

import (
	"time"

	"github.com/golang/glog"

	"github.com/cheddar/seaport/internal/crdt"
)

// startTimers runs the heartbeat ticker and, on servers, the eviction
// ticker. Both stop when Close is called.
func (r *Registry) startTimers() {
	interval := r.cfg.HeartbeatInterval
	r.every(interval, r.heartbeat)
	if r.cfg.IsServer {
		r.every(2*interval, r.evict)
	}
}

func (r *Registry) every(d time.Duration, fn func()) {
	ticker := r.clock.Ticker(d)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				_ = r.do(func() error {
					fn()
					return nil
				})
			}
		}
	}()
}

// heartbeat refreshes every service this node owns. Runs on the loop.
func (r *Registry) heartbeat() {
	now := crdt.Int(r.clock.Now().UnixMilli())
	rows := r.mine.Rows()
	for _, rs := range rows {
		if _, err := r.doc.Set(rs.ID, crdt.Patch{FieldHeartbeat: now}); err != nil {
			glog.Errorf("[%s] failed to heartbeat %s: %v", r.id, rs.ID, err)
		}
	}
	r.metrics.Heartbeat()
	glog.V(2).Infof("[%s] heartbeat for %d services", r.id, len(rows))
}

// evict removes every service whose heartbeat is older than two
// intervals. Runs on the loop.
func (r *Registry) evict() {
	stale := r.clock.Now().Add(-2 * r.cfg.HeartbeatInterval).UnixMilli()
	evicted := 0
	for _, rs := range r.services.Rows() {
		if rs.State.GetInt(FieldHeartbeat) < stale {
			glog.Infof("[%s] evicting stale service %s (%s)", r.id, rs.ID, serviceFromState(rs.ID, rs.State))
			r.doc.Remove(rs.ID)
			evicted++
		}
	}
	r.metrics.Evicted(evicted)
}
