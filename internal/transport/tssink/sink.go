package tssink

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	backoffpkg "github.com/cenkalti/backoff"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

// Config configures one InfluxDB line-protocol output sink, per spec §4.E.
type Config struct {
	Name        string // transport name, used for the backlog file name
	Measurement string // line-protocol measurement name for every point

	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize    int
	BatchTimeout time.Duration

	PingInterval      time.Duration
	ReconnectInterval time.Duration // forced reconnection on a long interval (default 4h)

	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration

	BacklogDir     string
	BacklogMaxSize int
	BacklogMaxAge  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Measurement == "" {
		c.Measurement = c.Name
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Minute
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 4 * time.Hour
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 2 * time.Minute
	}
	if c.BacklogDir == "" {
		c.BacklogDir = "."
	}
	return c
}

// Sink batches Points and writes them to InfluxDB as line protocol,
// falling back to an on-disk backlog while disconnected (spec §4.E).
type Sink struct {
	cfg Config
	log *logrus.Entry

	client influxdb2.Client
	write  api.WriteAPIBlocking

	backlog *Backlog

	mu          sync.Mutex
	batch       []Point
	oldestBatch time.Time
	connected   bool
	lastPing    time.Time
	lastConnect time.Time

	flushTimer *time.Timer
	closed     chan struct{}
	wg         sync.WaitGroup
}

// New builds a Sink and attempts an initial connection. The sink still
// opens successfully if the initial connection fails — writes then
// accumulate in the backlog until a reconnect succeeds.
func New(cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	backlog, err := NewBacklog(cfg.BacklogDir, cfg.Name, cfg.BacklogMaxSize, cfg.BacklogMaxAge)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:     cfg,
		log:     logrus.WithField("tssink", cfg.Name),
		backlog: backlog,
		closed:  make(chan struct{}),
	}
	s.connect(context.Background())

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// Write appends p to the current batch, flushing if a trigger fires:
// len(batch) >= batch_size, or the oldest point's age >= batch_timeout.
func (s *Sink) Write(p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batch) == 0 {
		s.oldestBatch = time.Now()
	}
	s.batch = append(s.batch, p)

	if len(s.batch) >= s.cfg.BatchSize || time.Since(s.oldestBatch) >= s.cfg.BatchTimeout {
		return s.flushLocked(context.Background())
	}
	return nil
}

// Flush forces a batch flush regardless of trigger state, e.g. during
// graceful shutdown.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(context.Background())
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	batch := s.batch
	s.batch = nil

	if !s.connected {
		for _, p := range batch {
			if err := s.backlog.Append(p); err != nil {
				s.log.WithError(err).Warn("tssink: failed to append to backlog")
			}
		}
		return nil
	}

	if err := s.writeBatch(ctx, batch); err != nil {
		s.log.WithError(err).Warn("tssink: live write failed, moving batch to backlog")
		s.connected = false
		for _, p := range batch {
			if berr := s.backlog.Append(p); berr != nil {
				s.log.WithError(berr).Warn("tssink: failed to append to backlog")
			}
		}
		return err
	}

	// A successful live write is also a sign the connection is healthy
	// enough to drain whatever accumulated while we were last down.
	s.drainBacklogLocked(ctx)
	return nil
}

func (s *Sink) writeBatch(ctx context.Context, batch []Point) error {
	lines := make([]string, 0, len(batch))
	for _, p := range batch {
		line, err := EncodeLine(p)
		if err != nil {
			s.log.WithError(err).Warn("tssink: dropping unencodable point")
			continue
		}
		lines = append(lines, string(line))
	}
	if len(lines) == 0 {
		return nil
	}
	return s.write.WriteRecord(ctx, lines...)
}

// drainBacklogLocked flushes the backlog first, then resumes live
// writes, per spec §4.E. Must be called with s.mu held and s.connected true.
func (s *Sink) drainBacklogLocked(ctx context.Context) {
	lines := s.backlog.Drain()
	if len(lines) == 0 {
		return
	}
	strs := make([]string, len(lines))
	for i, l := range lines {
		strs[i] = string(l)
	}
	if err := s.write.WriteRecord(ctx, strs...); err != nil {
		s.log.WithError(err).Warn("tssink: backlog drain failed, retaining backlog")
		return
	}
	if err := s.backlog.Clear(); err != nil {
		s.log.WithError(err).Warn("tssink: failed to clear backlog after drain")
	}
}

func (s *Sink) connect(ctx context.Context) {
	if s.client != nil {
		s.client.Close()
	}
	s.client = influxdb2.NewClient(s.cfg.URL, s.cfg.Token)
	s.write = s.client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)

	ok, err := s.client.Ping(ctx)
	s.mu.Lock()
	s.connected = err == nil && ok
	s.lastConnect = time.Now()
	s.lastPing = time.Now()
	s.mu.Unlock()

	if !s.connected {
		s.log.WithError(err).Warn("tssink: initial connection failed, buffering to backlog")
	}
}

// pingLoop periodically checks connection health, forces a reconnection
// on a long interval, and drives the reconnect-with-backoff strategy
// whenever the connection is down (spec §4.E).
func (s *Sink) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.checkHealth(ctx)
			cancel()
		}
	}
}

func (s *Sink) checkHealth(ctx context.Context) {
	s.mu.Lock()
	forceReconnect := time.Since(s.lastConnect) >= s.cfg.ReconnectInterval
	wasConnected := s.connected
	s.mu.Unlock()

	if forceReconnect {
		s.log.Info("tssink: forced periodic reconnection")
		s.reconnectWithBackoff(ctx)
		return
	}

	ok, err := s.client.Ping(ctx)
	s.mu.Lock()
	s.lastPing = time.Now()
	s.connected = err == nil && ok
	stillDown := !s.connected
	s.mu.Unlock()

	if stillDown {
		if wasConnected {
			s.log.WithError(err).Warn("tssink: ping failed, connection lost")
		}
		s.reconnectWithBackoff(ctx)
		return
	}

	if !wasConnected {
		s.mu.Lock()
		s.drainBacklogLocked(ctx)
		s.mu.Unlock()
	}
}

func (s *Sink) reconnectWithBackoff(ctx context.Context) {
	b := backoffpkg.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if s.cfg.MaxReconnectDelay > 0 {
		b.MaxInterval = s.cfg.MaxReconnectDelay
	}

	attempts := 0
	op := func() error {
		attempts++
		s.connect(ctx)
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		if connected {
			return nil
		}
		if s.cfg.MaxReconnectAttempts > 0 && attempts >= s.cfg.MaxReconnectAttempts {
			return backoffpkg.Permanent(fmt.Errorf("tssink: exhausted %d reconnect attempts", attempts))
		}
		return fmt.Errorf("tssink: reconnect attempt %d failed", attempts)
	}

	if err := backoffpkg.Retry(op, b); err != nil {
		s.log.WithError(err).Error("tssink: giving up reconnecting, continuing to buffer to backlog")
		return
	}

	s.mu.Lock()
	s.drainBacklogLocked(ctx)
	s.mu.Unlock()
}

// Close flushes any pending batch and closes the underlying client.
func (s *Sink) Close() error {
	close(s.closed)
	s.wg.Wait()

	err := s.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return err
}

func (s *Sink) Name() string { return s.cfg.Name }
func (s *Sink) Kind() string { return "tssink" }

func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect forces a fresh connection attempt; the sink already connects
// on New and reconnects on its own ping loop, so this only matters for a
// caller retrying after Connected reports false.
func (s *Sink) Connect(ctx context.Context) error {
	s.connect(ctx)
	if !s.Connected() {
		return fmt.Errorf("tssink: %s: connect failed", s.cfg.Name)
	}
	return nil
}

func (s *Sink) Status() diagserver.TransportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return diagserver.TransportStatus{
		Name:      s.cfg.Name,
		Kind:      "tssink",
		Connected: s.connected,
		Backlog:   s.backlog.Len(),
	}
}

// WriteData converts rec's fields into one line-protocol Point tagged
// with its source device name, per spec §4.E.
func (s *Sink) WriteData(ctx context.Context, rec gateway.Record) error {
	p := Point{
		Measurement: s.cfg.Measurement,
		Tags:        map[string]string{"source": rec.SourceName},
		Fields:      rec.Data,
		Timestamp:   rec.Timestamp,
	}
	if rec.Source.DeviceIdentifier != "" {
		p.Tags["serial_number"] = rec.Source.DeviceIdentifier
	}
	return s.Write(p)
}
