// Package supervisor runs a single child HTTP process and decides, for every
// inbound request, whether it can be forwarded, must wait for the child to
// become ready, or has to be refused.
//
// All supervisor state lives on one goroutine (Run). Public methods send a
// typed message to that goroutine and wait for its reply, so status changes,
// queue mutations and admission decisions are totally ordered without locks.
// Per-child goroutines scan stdout for the readiness line and wait for exit;
// they report back to the loop the same way.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/mattjoyce/pmgate/internal/config"
	"github.com/mattjoyce/pmgate/internal/events"
	"github.com/mattjoyce/pmgate/internal/log"
	"github.com/mattjoyce/pmgate/internal/metrics"
	"github.com/mattjoyce/pmgate/internal/pending"
	"github.com/mattjoyce/pmgate/internal/portscan"
)

// Start triggers, as recorded in history and metrics.
const (
	TriggerBoot    = "boot"
	TriggerRequest = "request"
	TriggerAdmin   = "admin"
)

const (
	defaultBaseDir   = ".strong-pm"
	defaultStopGrace = 5 * time.Second
	recordTimeout    = 2 * time.Second
)

// Recorder journals child generations.
type Recorder interface {
	RecordSpawn(ctx context.Context, generation string, pid int, trigger string, at time.Time) error
	RecordReady(ctx context.Context, generation string, port int, at time.Time) error
	RecordExit(ctx context.Context, generation string, code int, status string, at time.Time) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Action is what the caller of Admit should do with its request.
type Action int

const (
	// ActionForward: proxy the request to Admission.Port now.
	ActionForward Action = iota
	// ActionWait: block on Admission.Entry.Ready() for the outcome.
	ActionWait
	// ActionReject: answer with Admission.Code and Admission.Err.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionWait:
		return "wait"
	case ActionReject:
		return "reject"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Admission is the loop's decision for one request.
type Admission struct {
	Action Action
	Port   int
	Entry  *pending.Entry
	Code   int
	Err    error
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	Status     Status     `json:"status"`
	Port       int        `json:"port,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Generation string     `json:"generation,omitempty"`
	QueueDepth int        `json:"queue_depth"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the os/exec spawner.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithRemoveDir replaces os.RemoveAll for working directory cleanup.
func WithRemoveDir(fn func(path string) error) Option {
	return func(s *Supervisor) { s.removeDir = fn }
}

func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

func WithMetrics(m metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(s *Supervisor) { s.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor owns one child process and the requests waiting for it.
type Supervisor struct {
	root      string
	baseDir   string
	command   string
	args      []string
	env       []string
	marker    string
	stopGrace time.Duration

	spawner   Spawner
	removeDir func(path string) error
	recorder  Recorder
	metrics   metrics.Collector
	publisher Publisher
	logger    *slog.Logger

	events  chan any
	quit    chan struct{}
	running atomic.Bool

	// Owned by the run loop.
	runCtx    context.Context
	sctx      *stopper.Context
	status    Status
	port      int
	exitCode  *int
	child     *generation
	lastGen   string
	queue     *pending.Queue
	lastErr   string
	startedAt time.Time
	readyAt   time.Time
}

type generation struct {
	id      string
	trigger string
	proc    Process
	logger  *slog.Logger

	// Loop-owned.
	stopRequested bool
	killTimer     *time.Timer

	// exited is closed once Wait returns; code and waitErr are valid after.
	exited  chan struct{}
	code    int
	waitErr error
}

// New builds a Supervisor for cfg. Call Run to start its loop.
func New(cfg config.SupervisorConfig, opts ...Option) (*Supervisor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("supervisor root is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("supervisor command is required")
	}
	baseDir := cfg.BaseDir
	if baseDir == "" {
		baseDir = defaultBaseDir
	}
	clean := filepath.Clean(baseDir)
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("base dir %q must be a subdirectory of the root", baseDir)
	}

	s := &Supervisor{
		root:      cfg.Root,
		baseDir:   baseDir,
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		env:       cfg.Environ(),
		marker:    cfg.ListenMarker,
		stopGrace: cfg.StopGrace,
		spawner:   ExecSpawner{},
		removeDir: os.RemoveAll,
		metrics:   metrics.Noop(),
		events:    make(chan any),
		quit:      make(chan struct{}),
		status:    StatusUnstarted,
		queue:     pending.New(),
	}
	if s.stopGrace <= 0 {
		s.stopGrace = defaultStopGrace
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("supervisor")
	}
	return s, nil
}

// WorkDir is the directory wiped before every start and after every exit.
func (s *Supervisor) WorkDir() string {
	return filepath.Join(s.root, s.baseDir)
}

// Done is closed once the loop stops accepting requests.
func (s *Supervisor) Done() <-chan struct{} {
	return s.quit
}

// Run processes events until ctx is cancelled, then stops the child, rejects
// anything still queued and waits for the per-child goroutines.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	sctx := stopper.WithContext(ctx)
	s.runCtx = ctx
	s.sctx = sctx
	s.logger.Info("supervisor loop started", "root", s.root, "command", s.command, "work_dir", s.WorkDir())

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			sctx.Stop(s.stopGrace)
			err := sctx.Wait()
			s.logger.Info("supervisor loop stopped")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

type startRequest struct {
	trigger string
	reply   chan error
}

type stopRequest struct {
	reply chan error
}

type admitRequest struct {
	entry *pending.Entry
	reply chan Admission
}

type withdrawRequest struct {
	entry  *pending.Entry
	reason string
	reply  chan bool
}

type snapshotRequest struct {
	reply chan Snapshot
}

type portDiscovered struct {
	gen  *generation
	port int
}

type processExited struct {
	gen *generation
}

// Start clears the working directory and spawns a fresh child, replacing any
// child that is still running.
func (s *Supervisor) Start(ctx context.Context, trigger string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, startRequest{trigger: trigger, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Stop asks the child to terminate: SIGTERM, then SIGKILL after the stop
// grace period. It returns once the signal is sent; the exit is reported
// asynchronously. No-op when no child is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, stopRequest{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Admit decides what to do with the request wrapped by e. When the decision
// is ActionWait the returned Entry (e, or the entry already queued for the
// same request) resolves exactly once.
func (s *Supervisor) Admit(ctx context.Context, e *pending.Entry) (Admission, error) {
	reply := make(chan Admission, 1)
	if err := s.send(ctx, admitRequest{entry: e, reply: reply}); err != nil {
		return Admission{}, err
	}
	return <-reply, nil
}

// Withdraw removes e from the queue. It reports false when e was no longer
// queued, in which case its outcome is already available on e.Ready().
func (s *Supervisor) Withdraw(ctx context.Context, e *pending.Entry, reason string) (bool, error) {
	reply := make(chan bool, 1)
	if err := s.send(ctx, withdrawRequest{entry: e, reason: reason, reply: reply}); err != nil {
		return false, err
	}
	return <-reply, nil
}

func (s *Supervisor) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.send(ctx, snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return <-reply, nil
}

func (s *Supervisor) send(ctx context.Context, ev any) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is send for the per-child goroutines, which have no caller context.
func (s *Supervisor) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Supervisor) handle(ev any) {
	switch ev := ev.(type) {
	case startRequest:
		ev.reply <- s.start(ev.trigger)
	case stopRequest:
		ev.reply <- s.stop()
	case admitRequest:
		ev.reply <- s.admit(ev.entry)
	case withdrawRequest:
		ev.reply <- s.withdraw(ev.entry, ev.reason)
	case snapshotRequest:
		ev.reply <- s.snapshot()
	case portDiscovered:
		s.onPort(ev.gen, ev.port)
	case processExited:
		s.onExit(ev.gen)
	default:
		s.logger.Error("unknown supervisor event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Supervisor) start(trigger string) error {
	// The replaced child must be gone before its directory is wiped.
	replaced := s.child != nil
	if old := s.child; old != nil {
		s.child = nil
		s.retire(old)
	}

	workDir := s.WorkDir()
	if err := s.removeDir(workDir); err != nil {
		s.lastErr = err.Error()
		s.logger.Error("failed to clear working directory", "path", workDir, "error", err)
		startErr := fmt.Errorf("%w %s: %w", ErrRemoveWorkDir, workDir, err)
		if replaced {
			s.transition(StatusStopped)
			s.rejectQueued(http.StatusServiceUnavailable, startErr, "start_failed")
		}
		s.publish(events.TypeStartFailed, map[string]any{"trigger": trigger, "error": err.Error()})
		return startErr
	}

	gen := &generation{
		id:      uuid.NewString(),
		trigger: trigger,
		exited:  make(chan struct{}),
	}
	gen.logger = log.WithGeneration(s.logger, gen.id)

	s.lastGen = gen.id
	s.port = 0
	s.exitCode = nil
	s.readyAt = time.Time{}
	s.transition(StatusStarting)
	s.metrics.Restart(trigger)

	args := make([]string, 0, len(s.args)+3)
	args = append(args, s.args...)
	args = append(args, "--listen=0", "--base="+s.baseDir, "--no-control")

	proc, err := s.spawner.Spawn(SpawnSpec{
		Command: s.command,
		Args:    args,
		Dir:     s.root,
		Env:     s.env,
	})
	if err != nil {
		s.lastErr = err.Error()
		s.metrics.SpawnFailure()
		gen.logger.Error("failed to spawn child", "command", s.command, "error", err)
		s.transition(StatusCrashed)
		spawnErr := fmt.Errorf("%w: %w", ErrSpawn, err)
		s.rejectQueued(http.StatusServiceUnavailable, spawnErr, "spawn_failed")
		s.publish(events.TypeStartFailed, map[string]any{
			"generation": gen.id,
			"trigger":    trigger,
			"error":      err.Error(),
		})
		return spawnErr
	}

	gen.proc = proc
	s.child = gen
	s.lastErr = ""
	s.startedAt = time.Now()
	gen.logger.Info("child spawned", "pid", proc.PID(), "trigger", trigger, "command", s.command, "args", args)

	startedAt := s.startedAt
	s.record("spawn", func(ctx context.Context, r Recorder) error {
		return r.RecordSpawn(ctx, gen.id, proc.PID(), trigger, startedAt)
	})
	s.publish(events.TypeStart, map[string]any{
		"generation": gen.id,
		"pid":        proc.PID(),
		"trigger":    trigger,
	})

	s.sctx.Go(func(*stopper.Context) error {
		s.observe(gen)
		return nil
	})
	return nil
}

// observe feeds stdout to the port scanner until EOF, then waits for exit.
func (s *Supervisor) observe(g *generation) {
	scanner := portscan.New(s.marker, g.logger)
	err := scanner.Scan(s.runCtx, g.proc.Stdout(), func(port int) {
		s.post(portDiscovered{gen: g, port: port})
	})
	if err != nil {
		g.logger.Warn("stdout scan ended with error", "error", err)
	}

	g.code, g.waitErr = g.proc.Wait()
	close(g.exited)
	s.post(processExited{gen: g})
}

// retire kills a replaced child. Its later events are ignored.
func (s *Supervisor) retire(g *generation) {
	if g.killTimer != nil {
		g.killTimer.Stop()
	}
	select {
	case <-g.exited:
		return
	default:
	}
	g.logger.Warn("killing replaced child", "pid", g.proc.PID())
	if err := g.proc.Kill(); err != nil {
		g.logger.Error("failed to kill replaced child", "pid", g.proc.PID(), "error", err)
	}
}

func (s *Supervisor) onPort(g *generation, port int) {
	if g != s.child {
		g.logger.Debug("ignoring port from replaced child", "port", port)
		return
	}
	if s.status != StatusStarting {
		g.logger.Debug("ignoring readiness line", "port", port, "status", s.status)
		return
	}

	s.port = port
	s.readyAt = time.Now()
	g.logger.Info("child listening", "port", port, "pid", g.proc.PID())
	s.transition(StatusStarted)

	readyAt := s.readyAt
	s.record("ready", func(ctx context.Context, r Recorder) error {
		return r.RecordReady(ctx, g.id, port, readyAt)
	})
	s.publish(events.TypeReady, map[string]any{"generation": g.id, "port": port})
	s.flush(port)
}

// flush releases every queued entry in arrival order. Each entry's outcome
// carries the previous entry's dispatch signal so handlers go upstream in
// that same order.
func (s *Supervisor) flush(port int) {
	entries := s.queue.DrainAll()
	s.metrics.QueueDepth(0)
	if len(entries) == 0 {
		return
	}

	now := time.Now()
	var after <-chan struct{}
	released := 0
	for _, e := range entries {
		if e.Resolve(pending.Outcome{Port: port, After: after}) {
			released++
			s.metrics.PendingWait(now.Sub(e.EnqueuedAt))
			after = e.Dispatched()
		}
	}
	s.metrics.Released(released)
	s.logger.Info("released queued requests", "count", released, "port", port)
	s.publish(events.TypeQueueFlushed, map[string]any{"count": released, "port": port})
}

func (s *Supervisor) rejectQueued(code int, err error, reason string) {
	entries := s.queue.DrainAll()
	s.metrics.QueueDepth(0)
	rejected := 0
	for _, e := range entries {
		if e.Resolve(pending.Outcome{Code: code, Err: err}) {
			rejected++
		}
	}
	if rejected == 0 {
		return
	}
	s.metrics.Rejected(reason, rejected)
	s.logger.Warn("rejected queued requests", "count", rejected, "reason", reason, "error", err)
	s.publish(events.TypeQueueReject, map[string]any{
		"count":  rejected,
		"reason": reason,
		"error":  err.Error(),
	})
}

func (s *Supervisor) onExit(g *generation) {
	if g.killTimer != nil {
		g.killTimer.Stop()
	}
	code := g.code
	if g.waitErr != nil {
		g.logger.Warn("wait for child failed", "error", g.waitErr)
	}

	if g != s.child {
		g.logger.Info("replaced child exited", "pid", g.proc.PID(), "exit_code", code)
		s.record("exit", func(ctx context.Context, r Recorder) error {
			return r.RecordExit(ctx, g.id, code, "replaced", time.Now())
		})
		return
	}

	s.child = nil
	s.exitCode = &code
	next := StatusStopped
	if code != 0 && !g.stopRequested {
		next = StatusCrashed
		s.lastErr = fmt.Sprintf("child exited with code %d", code)
		g.logger.Error("child crashed", "pid", g.proc.PID(), "exit_code", code)
	} else {
		g.logger.Info("child exited", "pid", g.proc.PID(), "exit_code", code, "stop_requested", g.stopRequested)
	}
	s.transition(next)
	s.metrics.ChildExit(code)

	workDir := s.WorkDir()
	if err := s.removeDir(workDir); err != nil {
		s.metrics.CleanupFailure()
		g.logger.Warn("failed to remove working directory after exit", "path", workDir, "error", err)
	}

	s.rejectQueued(http.StatusServiceUnavailable, fmt.Errorf("%w (exit code %d)", ErrExited, code), "exited")

	s.record("exit", func(ctx context.Context, r Recorder) error {
		return r.RecordExit(ctx, g.id, code, string(next), time.Now())
	})
	s.publish(events.TypeExit, map[string]any{
		"generation": g.id,
		"pid":        g.proc.PID(),
		"exit_code":  code,
		"status":     next,
	})
}

func (s *Supervisor) stop() error {
	g := s.child
	if g == nil || g.stopRequested {
		return nil
	}
	select {
	case <-g.exited:
		return nil
	default:
	}

	g.stopRequested = true
	g.logger.Info("stopping child", "pid", g.proc.PID(), "grace", s.stopGrace)
	if err := g.proc.Signal(syscall.SIGTERM); err != nil {
		g.logger.Error("failed to send SIGTERM", "pid", g.proc.PID(), "error", err)
	}

	proc := g.proc
	g.killTimer = time.AfterFunc(s.stopGrace, func() {
		select {
		case <-g.exited:
			return
		default:
		}
		g.logger.Warn("child did not exit after SIGTERM, sending SIGKILL", "pid", proc.PID())
		if err := proc.Kill(); err != nil {
			g.logger.Error("failed to send SIGKILL", "pid", proc.PID(), "error", err)
		}
	})
	return nil
}

func (s *Supervisor) admit(e *pending.Entry) Admission {
	switch s.status {
	case StatusStarted:
		return Admission{Action: ActionForward, Port: s.port}
	case StatusCrashed:
		s.metrics.Rejected("crashed", 1)
		return Admission{Action: ActionReject, Code: http.StatusInternalServerError, Err: ErrUnavailable}
	case StatusStopped, StatusUnstarted:
		if err := s.start(TriggerRequest); err != nil {
			s.metrics.Rejected("start_failed", 1)
			return Admission{Action: ActionReject, Code: http.StatusServiceUnavailable, Err: err}
		}
	}

	queued, added := s.queue.Enqueue(e)
	if added {
		s.metrics.Queued()
		s.metrics.QueueDepth(s.queue.Len())
		s.logger.Debug("request queued", "entry", queued.ID, "path", queued.Request.URL.Path, "depth", s.queue.Len())
	}
	return Admission{Action: ActionWait, Entry: queued}
}

func (s *Supervisor) withdraw(e *pending.Entry, reason string) bool {
	if !s.queue.Remove(e) {
		return false
	}
	s.metrics.Rejected(reason, 1)
	s.metrics.QueueDepth(s.queue.Len())
	s.logger.Debug("request withdrawn", "entry", e.ID, "reason", reason, "depth", s.queue.Len())
	return true
}

func (s *Supervisor) snapshot() Snapshot {
	snap := Snapshot{
		Status:     s.status,
		Port:       s.port,
		Generation: s.lastGen,
		QueueDepth: s.queue.Len(),
		LastError:  s.lastErr,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	if s.child != nil {
		snap.PID = s.child.proc.PID()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.readyAt.IsZero() {
		t := s.readyAt
		snap.ReadyAt = &t
	}
	return snap
}

func (s *Supervisor) transition(to Status) {
	from := s.status
	if !CanTransition(from, to) {
		s.logger.Error("refusing illegal status transition", "from", from, "to", to)
		return
	}
	s.status = to
	s.logger.Info("status transition", "from", from, "to", to, "generation", s.lastGen)
	s.metrics.StatusTransition(string(from), string(to))
	s.publish(events.TypeStatus, map[string]any{
		"from":       from,
		"to":         to,
		"generation": s.lastGen,
	})
}

// shutdown runs on the loop once its context is cancelled.
func (s *Supervisor) shutdown() {
	s.rejectQueued(http.StatusServiceUnavailable, ErrClosed, "shutdown")
	close(s.quit)

	g := s.child
	if g == nil {
		return
	}
	_ = s.stop()

	deadline := time.NewTimer(s.stopGrace + time.Second)
	defer deadline.Stop()
	select {
	case <-g.exited:
		s.onExit(g)
	case <-deadline.C:
		g.logger.Error("child did not exit during shutdown", "pid", g.proc.PID())
	}
}

func (s *Supervisor) record(op string, fn func(ctx context.Context, r Recorder) error) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, s.recorder); err != nil {
		s.logger.Warn("failed to record run history", "op", op, "error", err)
	}
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}
