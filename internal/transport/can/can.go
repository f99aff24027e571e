// Package can implements the passive CAN bus transport (spec §4.E/§5): a
// background reader appends frames to an arbitration-id-keyed cache
// guarded by a mutex, with stale-frame eviction and a watchdog that
// signals process exit if the cache goes empty for too long.
package can

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/jpl-devices/fieldgw/internal/gwerrors"
)

// CachedFrame is one arbitration id's most recent frame plus its
// reception time, used for stale-frame eviction.
type CachedFrame struct {
	Data       [8]byte
	Length     uint8
	ReceivedAt time.Time
}

// Bus is a passive listener on one CAN interface. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	channel string

	cacheTimeout time.Duration
	watchdog     time.Duration

	mu    sync.Mutex
	cache map[uint32]CachedFrame

	lastNonEmpty time.Time

	running bool
	runErr  error
}

// NewBus opens a passive receiver on channel (e.g. "can0") with the given
// stale-frame eviction and watchdog durations (spec §5 defaults: 120s
// each).
func NewBus(channel string, cacheTimeout, watchdog time.Duration) *Bus {
	if cacheTimeout <= 0 {
		cacheTimeout = 120 * time.Second
	}
	if watchdog <= 0 {
		watchdog = 120 * time.Second
	}
	return &Bus{
		channel:      channel,
		cacheTimeout: cacheTimeout,
		watchdog:     watchdog,
		cache:        map[uint32]CachedFrame{},
		lastNonEmpty: time.Now(),
	}
}

// Run blocks, reading frames from the bus and caching them, until ctx is
// canceled or an unrecoverable condition (watchdog expiry, socket
// failure) occurs. It never polls: the receiver blocks on the bus.
func (b *Bus) Run(ctx context.Context) error {
	conn, err := socketcan.DialContext(ctx, "can", b.channel)
	if err != nil {
		return fmt.Errorf("can: dialing %s: %w", b.channel, err)
	}
	defer conn.Close()

	recv := socketcan.NewReceiver(conn)

	frames := make(chan can.Frame)
	errs := make(chan error, 1)
	go func() {
		for recv.Receive() {
			select {
			case frames <- recv.Frame():
			case <-ctx.Done():
				return
			}
		}
		errs <- recv.Err()
	}()

	ticker := time.NewTicker(b.watchdog / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return fmt.Errorf("can: %s: %v: %w", b.channel, err, gwerrors.ErrTransientIO)
		case f := <-frames:
			b.store(f)
		case <-ticker.C:
			if b.emptyFor() >= b.watchdog {
				return fmt.Errorf("can: %s: cache empty for %s: %w", b.channel, b.watchdog, gwerrors.ErrUnrecoverable)
			}
		}
	}
}

func (b *Bus) store(f can.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[f.ID] = CachedFrame{Data: f.Data, Length: f.Length, ReceivedAt: time.Now()}
	b.lastNonEmpty = time.Now()
}

func (b *Bus) emptyFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cache) > 0 {
		return 0
	}
	return time.Since(b.lastNonEmpty)
}

// Start launches Run in the background exactly once, recording its
// terminal error for Started/Err to report.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go func() {
		err := b.Run(ctx)
		b.mu.Lock()
		b.running = false
		b.runErr = err
		b.mu.Unlock()
	}()
}

// Started reports whether the background reader goroutine is alive.
func (b *Bus) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Err returns Run's most recent terminal error, if any.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runErr
}

// Snapshot returns a copy of the cache, evicting (and omitting) any
// frame older than cacheTimeout.
func (b *Bus) Snapshot() map[uint32]CachedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make(map[uint32]CachedFrame, len(b.cache))
	for id, cf := range b.cache {
		if now.Sub(cf.ReceivedAt) >= b.cacheTimeout {
			delete(b.cache, id)
			continue
		}
		out[id] = cf
	}
	return out
}
