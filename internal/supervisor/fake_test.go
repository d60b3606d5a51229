package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pmgate/internal/config"
	"github.com/mattjoyce/pmgate/internal/pending"
)

type fakeProcess struct {
	pid        int
	stdoutR    *io.PipeReader
	stdoutW    *io.PipeWriter
	exitCh     chan int
	exitOnce   sync.Once
	exitOnTerm atomic.Bool
	log        *opLog

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		pid:     pid,
		stdoutR: r,
		stdoutW: w,
		exitCh:  make(chan int, 1),
	}
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.exitOnTerm.Load() {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	if p.log != nil {
		p.log.add(fmt.Sprintf("kill:%d", p.pid))
	}
	p.mu.Lock()
	p.signals = append(p.signals, syscall.SIGKILL)
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

// say writes one stdout line. It returns once the scanner has consumed it.
func (p *fakeProcess) say(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintln(p.stdoutW, line)
	require.NoError(t, err)
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		p.exitCh <- code
	})
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// opLog records removals, spawns and kills in the order the supervisor performed them.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeSpawner struct {
	log        *opLog
	mu         sync.Mutex
	specs      []SpawnSpec
	procs      []*fakeProcess
	err        error
	exitOnTerm bool
}

func (f *fakeSpawner) Spawn(spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("spawn")
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess(1000 + len(f.procs))
	p.exitOnTerm.Store(f.exitOnTerm)
	p.log = f.log
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeSpawner) proc(t *testing.T, i int) *fakeProcess {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.procs), i, "process %d was never spawned", i)
	return f.procs[i]
}

func (f *fakeSpawner) lastSpec() SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

type recordedEvent struct {
	Type string
	Data any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	p.events = append(p.events, recordedEvent{Type: eventType, Data: data})
	p.mu.Unlock()
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu    sync.Mutex
	exits map[string]string
	ready map[string]int
	spawn []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{exits: map[string]string{}, ready: map[string]int{}}
}

func (r *fakeRecorder) RecordSpawn(_ context.Context, generation string, _ int, trigger string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawn = append(r.spawn, generation+":"+trigger)
	return nil
}

func (r *fakeRecorder) RecordReady(_ context.Context, generation string, port int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready[generation] = port
	return nil
}

func (r *fakeRecorder) RecordExit(_ context.Context, generation string, _ int, status string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits[generation] = status
	return nil
}

func (r *fakeRecorder) exitStatus(generation string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.exits[generation]
	return s, ok
}

type harness struct {
	sup       *Supervisor
	spawner   *fakeSpawner
	log       *opLog
	publisher *fakePublisher
	recorder  *fakeRecorder
	errMu     sync.Mutex
	removeErr error
	cancel    context.CancelFunc
	runDone   chan error
	stopOnce  sync.Once
}

type harnessOption func(*harness, *config.SupervisorConfig)

func withStopGrace(d time.Duration) harnessOption {
	return func(_ *harness, cfg *config.SupervisorConfig) { cfg.StopGrace = d }
}

func withSpawnError(err error) harnessOption {
	return func(h *harness, _ *config.SupervisorConfig) { h.spawner.err = err }
}

func withRemoveError(err error) harnessOption {
	return func(h *harness, _ *config.SupervisorConfig) { h.removeErr = err }
}

func withExitOnTerm() harnessOption {
	return func(h *harness, _ *config.SupervisorConfig) { h.spawner.exitOnTerm = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	ops := &opLog{}
	h := &harness{
		spawner:   &fakeSpawner{log: ops},
		log:       ops,
		publisher: &fakePublisher{},
		recorder:  newFakeRecorder(),
		runDone:   make(chan error, 1),
	}
	cfg := config.SupervisorConfig{
		Root:         t.TempDir(),
		Command:      "child",
		Args:         []string{"server.js"},
		BaseDir:      ".strong-pm",
		ListenMarker: ": listen on ",
		StopGrace:    time.Second,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	sup, err := New(cfg,
		WithSpawner(h.spawner),
		WithRemoveDir(func(path string) error {
			ops.add("remove:" + path)
			h.errMu.Lock()
			defer h.errMu.Unlock()
			return h.removeErr
		}),
		WithPublisher(h.publisher),
		WithRecorder(h.recorder),
	)
	require.NoError(t, err)
	h.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runDone <- sup.Run(ctx) }()

	t.Cleanup(func() {
		h.shutdown(t)
	})
	return h
}

func (h *harness) setRemoveErr(err error) {
	h.errMu.Lock()
	h.removeErr = err
	h.errMu.Unlock()
}

// shutdown cancels the loop and waits for Run to return. Children exit on
// SIGTERM from here on.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.stopOnce.Do(func() {
		h.spawner.mu.Lock()
		h.spawner.exitOnTerm = true
		procs := append([]*fakeProcess(nil), h.spawner.procs...)
		h.spawner.mu.Unlock()
		for _, p := range procs {
			p.exitOnTerm.Store(true)
		}
		h.cancel()
		select {
		case <-h.runDone:
		case <-time.After(5 * time.Second):
			t.Error("supervisor loop did not stop")
		}
	})
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.sup.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (h *harness) waitStatus(t *testing.T, want Status) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.sup.Snapshot(context.Background())
		return err == nil && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
	return h.snapshot(t)
}

func (h *harness) admit(t *testing.T, path string) (*pending.Entry, Admission) {
	t.Helper()
	e := newEntry(path)
	adm, err := h.sup.Admit(context.Background(), e)
	require.NoError(t, err)
	return e, adm
}

// startReady starts a child and announces port on its stdout.
func (h *harness) startReady(t *testing.T, port int) *fakeProcess {
	t.Helper()
	require.NoError(t, h.sup.Start(context.Background(), TriggerAdmin))
	p := h.spawner.proc(t, h.spawner.count()-1)
	p.say(t, fmt.Sprintf("app: listen on %d", port))
	h.waitStatus(t, StatusStarted)
	return p
}

var errBoom = errors.New("boom")
