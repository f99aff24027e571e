package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// idleSleep is the co-operative single-loop's idle poll interval, per
// spec §4.F.
const idleSleep = 700 * time.Millisecond

// queueTimeout bounds how long a sink worker blocks dequeuing before its
// loop wakes up again, per spec §5. The wake-up does no work of its own:
// sinks that need periodic upkeep run it on their own timers.
const queueTimeout = 500 * time.Millisecond

// Supervisor owns every transport the gateway was configured with,
// their declared bridges, and the worker loops that schedule reads and
// deliver bridged records, per spec §4.F/§5.
//
// The reference's single shared queue is modeled here as one intake
// channel (queue) draining into per-target channels owned by the
// dispatcher: Go delivers a channel receive to exactly one goroutine,
// so a literal single channel read by every sink worker cannot express
// "each output worker drains the queue and keeps only messages whose
// target_name matches theirs" without busy-loop requeuing. The
// dispatcher preserves the same enqueue-order guarantee per
// (source, target) pair while giving each sink a blocking read of only
// its own traffic.
type Supervisor struct {
	log *logrus.Entry

	transports map[string]Transport
	sources    []Source
	sinks      []Sink

	// bridges maps a transport name to its single declared peer name,
	// per spec §4.F ("each transport may name exactly one peer").
	bridges map[string]string

	queue    chan Record
	outbox   map[string]chan Record
	outboxMu sync.RWMutex

	wg sync.WaitGroup
}

// NewSupervisor builds a Supervisor over the given transports and
// bridge pairings (source name -> target name).
func NewSupervisor(transports []Transport, bridges map[string]string) *Supervisor {
	s := &Supervisor{
		log:        logrus.WithField("component", "gateway"),
		transports: map[string]Transport{},
		bridges:    bridges,
		queue:      make(chan Record, 256),
		outbox:     map[string]chan Record{},
	}
	for _, t := range transports {
		s.transports[t.Name()] = t
		if src, ok := t.(Source); ok {
			s.sources = append(s.sources, src)
		}
		if sink, ok := t.(Sink); ok {
			s.sinks = append(s.sinks, sink)
			s.outbox[sink.Name()] = make(chan Record, 256)
		}
	}
	return s
}

// Run connects every transport, wires declared bridges via init_bridge,
// then runs the scheduling loop until ctx is cancelled. It chooses the
// co-operative single loop when there is exactly one transport, parallel
// workers otherwise (spec §4.F's "Concurrency model").
func (s *Supervisor) Run(ctx context.Context) error {
	for _, t := range s.transports {
		if err := t.Connect(ctx); err != nil {
			s.log.WithError(err).WithField("transport", t.Name()).Warn("gateway: initial connect failed, worker will retry")
		}
	}
	s.initBridges()

	if len(s.transports) <= 1 {
		s.runCooperative(ctx)
		return nil
	}
	s.runParallel(ctx)
	return nil
}

func (s *Supervisor) initBridges() {
	for name, peerName := range s.bridges {
		t, ok := s.transports[name]
		if !ok {
			continue
		}
		b, ok := t.(Bridged)
		if !ok {
			continue
		}
		peer, ok := s.transports[peerName]
		if !ok {
			continue
		}
		if err := b.InitBridge(peer); err != nil {
			s.log.WithError(err).WithField("transport", name).Warn("gateway: init_bridge failed")
		}
	}
}

// runCooperative implements the single-transport deployment mode: a
// tight polling loop with an idle sleep, scheduling reads directly
// in-process without a queue.
func (s *Supervisor) runCooperative(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := false
		for _, src := range s.sources {
			rec, err := s.pollOnce(ctx, src)
			if err != nil {
				s.log.WithError(err).WithField("transport", src.Name()).Warn("gateway: read_data failed")
				continue
			}
			if rec == nil {
				continue
			}
			didWork = true
			s.deliverDirect(ctx, *rec)
		}

		if !didWork {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// runParallel implements the multi-transport deployment mode: one
// worker goroutine per Source polling on its own schedule and enqueuing
// onto the shared intake queue, a dispatcher fanning enqueued records
// out to per-target channels in enqueue order, and one worker per Sink
// draining its own channel — all supervised and restarted on unexpected
// exit.
func (s *Supervisor) runParallel(ctx context.Context) {
	s.superviseWorker(ctx, "dispatcher", s.dispatch)

	for _, src := range s.sources {
		src := src
		s.superviseWorker(ctx, "source:"+src.Name(), func(ctx context.Context) {
			s.sourceWorker(ctx, src)
		})
	}
	for _, sink := range s.sinks {
		sink := sink
		s.superviseWorker(ctx, "sink:"+sink.Name(), func(ctx context.Context) {
			s.sinkWorker(ctx, sink)
		})
	}
	s.wg.Wait()
}

// superviseWorker runs fn in a goroutine and restarts it if it returns
// before ctx is done, per spec §4.F's "monitors workers and restarts any
// that exit unexpectedly."
func (s *Supervisor) superviseWorker(ctx context.Context, label string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			default:
				s.log.WithField("worker", label).Warn("gateway: worker exited unexpectedly, restarting")
				time.Sleep(idleSleep)
			}
		}
	}()
}

// dispatch drains the shared intake queue and routes each record to its
// target's outbox, preserving enqueue order per (source, target).
func (s *Supervisor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			s.outboxMu.RLock()
			ch, ok := s.outbox[rec.TargetName]
			s.outboxMu.RUnlock()
			if !ok {
				continue
			}
			select {
			case ch <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) sourceWorker(ctx context.Context, src Source) {
	interval := src.ReadInterval()
	if interval <= 0 {
		interval = idleSleep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := s.pollOnce(ctx, src)
			if err != nil {
				s.log.WithError(err).WithField("transport", src.Name()).Warn("gateway: read_data failed")
				continue
			}
			if rec == nil {
				continue
			}
			select {
			case s.queue <- *rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) sinkWorker(ctx context.Context, sink Sink) {
	s.outboxMu.RLock()
	ch := s.outbox[sink.Name()]
	s.outboxMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-ch:
			if err := sink.WriteData(ctx, rec); err != nil {
				s.log.WithError(err).WithField("transport", sink.Name()).Warn("gateway: write_data failed")
			}
		case <-time.After(queueTimeout):
			// periodic housekeeping window; sinks with backlogs/discovery
			// republish handle that internally on their own ticker.
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, src Source) (*Record, error) {
	if !src.Connected() {
		if err := src.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return src.ReadData(ctx)
}

// deliverDirect delivers rec to its bridged sink in-process, used by
// the co-operative single-loop mode where there is no shared queue.
func (s *Supervisor) deliverDirect(ctx context.Context, rec Record) {
	t, ok := s.transports[rec.TargetName]
	if !ok {
		return
	}
	sink, ok := t.(Sink)
	if !ok {
		return
	}
	if err := sink.WriteData(ctx, rec); err != nil {
		s.log.WithError(err).WithField("transport", sink.Name()).Warn("gateway: write_data failed")
	}
}

// RouteWrite dispatches a write-back request to the named Source,
// e.g. an MQTT command-topic publish reaching back to the Modbus
// transport that owns the variable.
func (s *Supervisor) RouteWrite(ctx context.Context, req WriteRequest) error {
	t, ok := s.transports[req.TargetName]
	if !ok {
		return &UnknownKindError{Kind: req.TargetName}
	}
	w, ok := t.(Writable)
	if !ok {
		return &UnknownKindError{Kind: req.TargetName + " (not writable)"}
	}
	return w.HandleWrite(ctx, req)
}
