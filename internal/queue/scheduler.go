package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/encryptedmeshlink/station/internal/registry"
)

// DelayedPrefix marks a store-and-forward delivery so the recipient
// can tell it from live traffic.
const DelayedPrefix = "📬 [Delayed] "

// MeshSender delivers text to a node on the local mesh.
type MeshSender interface {
	Send(text string, toNode uint32) error
}

// RemoteSender pushes a queued message toward its target station over
// the encrypted peer link.
type RemoteSender interface {
	SendQueued(ctx context.Context, m Message) error
}

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 50
)

// SchedulerOptions configures a Scheduler; zero values take defaults.
type SchedulerOptions struct {
	Interval  time.Duration
	BatchSize int

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Scheduler periodically sweeps the queue and delivers due messages
// whose targets have come back within reach. Local targets go out
// over the mesh, remote ones over the peer link.
type Scheduler struct {
	store  *Store
	reg    *registry.Registry
	mesh   MeshSender
	remote RemoteSender

	interval time.Duration
	batch    int
	log      *slog.Logger
	clock    clockwork.Clock

	sweeping atomic.Bool
}

// NewScheduler wires a scheduler to its queue, registry and delivery
// legs. remote may be nil; remote-target messages then stay pending.
func NewScheduler(store *Store, reg *registry.Registry, mesh MeshSender, remote RemoteSender, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:    store,
		reg:      reg,
		mesh:     mesh,
		remote:   remote,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		log:      opts.Logger.With("component", "scheduler"),
		clock:    opts.Clock,
	}
}

// Run sweeps on every tick until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug("delivery scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one delivery pass: expire what is overdue, then try every
// due message. Safe to call concurrently with itself; an overlapping
// call returns immediately.
func (s *Scheduler) Sweep(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)

	if _, err := s.store.Cleanup(); err != nil {
		s.log.Error("queue cleanup failed", "err", err)
	}

	msgs, err := s.store.GetNextMessages(s.batch)
	if err != nil {
		s.log.Error("fetch due messages failed", "err", err)
		return
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if m.TargetStation != "" {
			s.deliverRemote(ctx, m)
		} else {
			s.deliverLocal(m)
		}
	}
}

func (s *Scheduler) deliverLocal(m Message) {
	node, known := s.reg.LocalByNum(m.ToNode)
	if known && !node.OnlineAt(s.clock.Now()) {
		// Still offline: leave it pending, no attempt charged.
		return
	}

	name := fmt.Sprintf("node %d", m.ToNode)
	if known && node.LongName != "" {
		name = node.LongName
	}

	claimed, err := s.store.MarkProcessing(m.ID)
	if err != nil {
		s.log.Error("claim queued message failed", "id", m.ID, "err", err)
		return
	}
	if !claimed {
		return
	}

	if !known {
		s.fail(m, name, "Target node no longer known")
		return
	}

	if err := s.mesh.Send(DelayedPrefix+m.Text, m.ToNode); err != nil {
		s.fail(m, name, err.Error())
		return
	}
	s.finish(m, name)
}

func (s *Scheduler) deliverRemote(ctx context.Context, m Message) {
	if s.remote == nil {
		return
	}

	node, known := s.reg.RemoteByStation(m.TargetStation)
	if known && !node.OnlineAt(s.clock.Now()) {
		return
	}

	name := m.TargetStation
	if known && node.DisplayName != "" {
		name = node.DisplayName
	}

	claimed, err := s.store.MarkProcessing(m.ID)
	if err != nil {
		s.log.Error("claim queued message failed", "id", m.ID, "err", err)
		return
	}
	if !claimed {
		return
	}

	if !known {
		s.fail(m, name, "Target station no longer known")
		return
	}

	if err := s.remote.SendQueued(ctx, m); err != nil {
		s.fail(m, name, err.Error())
		return
	}
	s.finish(m, name)
}

func (s *Scheduler) finish(m Message, name string) {
	if err := s.store.MarkDelivered(m.ID); err != nil {
		s.log.Error("mark delivered failed", "id", m.ID, "err", err)
	}
	s.log.Info("queued message delivered", "id", m.ID, "to", m.ToNode, "station", m.TargetStation)
	s.notify(m.FromNode, fmt.Sprintf("✅ Your queued message was delivered to %s", name))
}

func (s *Scheduler) fail(m Message, name, reason string) {
	retry, err := s.store.MarkFailed(m.ID, reason)
	if err != nil {
		s.log.Error("mark failed failed", "id", m.ID, "err", err)
		return
	}
	if !retry {
		s.notify(m.FromNode, fmt.Sprintf("❌ Your queued message to %s could not be delivered.", name))
	}
}

// notify sends a best-effort status line back to the original sender.
func (s *Scheduler) notify(toNode uint32, text string) {
	if toNode == 0 {
		return
	}
	if err := s.mesh.Send(text, toNode); err != nil {
		s.log.Debug("sender notification failed", "to", toNode, "err", err)
	}
}
