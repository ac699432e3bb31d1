package streamablehttp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcpwire/streamablehttp-go/session"
)

// keepAliveScheduler pings every session holding a live stream on a fixed
// interval. Ping failures are isolated per session: a broken stream is
// detached by the session itself and never affects the other sessions in
// the same tick.
type keepAliveScheduler struct {
	interval time.Duration
	clock    clockwork.Clock
	registry *session.Registry
	log      *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newKeepAliveScheduler(interval time.Duration, clock clockwork.Clock, registry *session.Registry, log *slog.Logger) *keepAliveScheduler {
	return &keepAliveScheduler{
		interval: interval,
		clock:    clock,
		registry: registry,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (k *keepAliveScheduler) run() {
	defer close(k.done)
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.Chan():
			k.tick()
		}
	}
}

// tick snapshots the registry and pings each session with a live listener.
func (k *keepAliveScheduler) tick() {
	for _, sess := range k.registry.All() {
		if !sess.HasLiveStream() {
			continue
		}
		if err := sess.Ping(); err != nil {
			k.log.Warn("keepalive.ping.fail",
				slog.String("session_id", sess.ID()),
				slog.String("err", err.Error()))
		}
	}
}

// Stop halts the scheduler and waits for an in-flight tick to finish. No
// keep-alive activity happens after Stop returns.
func (k *keepAliveScheduler) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}
