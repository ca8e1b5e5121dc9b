package dispatch

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

func (d *Dispatcher) livenessLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.clk.After(d.nextCheck()):
			d.checkLiveness()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) nextCheck() time.Duration {
	delay := d.cfg.CheckInterval
	if d.cfg.CheckJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(d.cfg.CheckJitter) + 1))
	}
	return delay
}

// checkLiveness probes every silent peer that is not already being probed.
func (d *Dispatcher) checkLiveness() {
	now := d.clk.Now()

	type probe struct {
		name   string
		connID uint64
	}
	var probes []probe
	d.mu.Lock()
	t := d.t
	for _, rec := range d.peers {
		if !rec.probing && now.Sub(rec.lastSeen) > d.cfg.Timeout {
			rec.probing = true
			probes = append(probes, probe{rec.name, rec.connID})
		}
	}
	d.mu.Unlock()

	for _, p := range probes {
		d.log.Debug("peer silent, probing", zap.String("peer", p.name))
		t.SendTo(p.name, wire.TypeKeepAliveRequest, nil)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-d.clk.After(d.cfg.Grace):
				d.recheck(p.name, p.connID)
			case <-d.ctx.Done():
			}
		}()
	}
}

// recheck disconnects a probed peer that stayed silent.
func (d *Dispatcher) recheck(name string, connID uint64) {
	now := d.clk.Now()
	d.mu.Lock()
	rec := d.peers[name]
	if rec == nil || rec.connID != connID {
		d.mu.Unlock()
		return
	}
	silent := now.Sub(rec.lastSeen)
	if silent <= d.cfg.Timeout {
		rec.probing = false
		d.mu.Unlock()
		return
	}
	t := d.t
	d.mu.Unlock()

	telemetry.KeepAliveTimeouts.Inc()
	d.log.Info("peer did not answer keep-alive, disconnecting",
		zap.String("peer", name), zap.Duration("silent", silent))
	t.Disconnect(name)
}
