package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	goyaml "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/escalation"
	"github.com/oviney/economist-agents-sub003/internal/events"
	"github.com/oviney/economist-agents-sub003/internal/gate"
	"github.com/oviney/economist-agents-sub003/internal/lock"
	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/monitor"
	"github.com/oviney/economist-agents-sub003/internal/queue"
	"github.com/oviney/economist-agents-sub003/internal/store"
	"github.com/oviney/economist-agents-sub003/internal/uds"
	newsroomyaml "github.com/oviney/economist-agents-sub003/internal/yaml"
)

// Daemon hosts the orchestration loop: a single process per .newsroom/
// directory, enforced by a file lock, reacting to filesystem changes and a
// periodic tick, and serving the CLI over a Unix socket.
type Daemon struct {
	baseDir string
	cfg     model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	orch  *Orchestrator
	bus   *events.Bus
	audit *events.AuditLog

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// NewDaemon builds the daemon and all its components from the .newsroom/
// directory layout.
func NewDaemon(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	// Snapshot writes go through temp-file rename, so the directories must
	// exist before anything persists.
	for _, dir := range []string{"state", "locks", "logs", "stories", "status"} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			cancel()
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	st := store.New(filepath.Join(baseDir, "state"))
	if err := st.Load(); err != nil {
		cancel()
		return nil, fmt.Errorf("load state: %w", err)
	}

	defs, err := gate.LoadDefinitions(filepath.Join(baseDir, "gates.yaml"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load gate definitions: %w", err)
	}
	validator := gate.NewValidator(defs, logger)

	routing, err := monitor.NewRoutingTable(cfg.Routing)
	if err != nil {
		cancel()
		return nil, err
	}

	escalations := escalation.NewManager(st, filepath.Join(baseDir, "state"), logger)
	if err := escalations.Load(); err != nil {
		cancel()
		return nil, fmt.Errorf("load escalations: %w", err)
	}

	audit, err := events.NewAuditLog(filepath.Join(baseDir, "logs", "audit.jsonl"), cfg.Audit.MaxLogBytes)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	bus := events.NewBus(0)
	for _, et := range []events.EventType{
		events.EventStoryExpanded, events.EventItemClaimed, events.EventItemCompleted,
		events.EventItemRequeued, events.EventItemCancelled, events.EventGateDecision,
		events.EventEscalationRaised, events.EventEscalationResolved, events.EventWorkerStalled,
		events.EventDaemonStarted, events.EventDaemonStopped,
	} {
		bus.Subscribe(et, audit.RecordEvent)
	}

	qm := queue.NewManager(st, validator, cfg, logger)
	orch := New(Deps{
		Store:       st,
		Queue:       qm,
		Resolver:    queue.NewResolver(st, logger),
		Monitor:     monitor.New(baseDir, logger),
		Gate:        validator,
		Escalations: escalations,
		Routing:     routing,
		Bus:         bus,
	}, cfg, logger)

	scanInterval := cfg.Watcher.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	d := &Daemon{
		baseDir:  baseDir,
		cfg:      cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName), logger),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		orch:     orch,
		bus:      bus,
		audit:    audit,
		ctx:      ctx,
		cancel:   cancel,
	}
	return d, nil
}

// Orchestrator exposes the composed engine, mainly for tests.
func (d *Daemon) Orchestrator() *Orchestrator { return d.orch }

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	storiesDir := filepath.Join(d.baseDir, "stories")
	statusDir := filepath.Join(d.baseDir, "status")
	for _, dir := range []string{storiesDir, statusDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.scan()
	d.bus.Publish(events.EventDaemonStarted, map[string]any{"pid": os.Getpid()})
	d.logger.Infof("daemon ready")

	d.waitSignals()
	return nil
}

// scan runs one full pass: intake new story files, then one orchestration
// iteration. The iteration is bounded by the configured poll timeout so a
// hung status read cannot wedge the loops.
func (d *Daemon) scan() {
	d.intakeStories()
	ctx, cancel := context.WithTimeout(d.ctx, d.pollTimeout())
	defer cancel()
	if err := d.orch.RunIteration(ctx, d.heartbeatTimeout()); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Errorf("iteration_failed err=%v", err)
	}
}

func (d *Daemon) pollTimeout() time.Duration {
	if s := d.cfg.Watcher.PollTimeoutSec; s > 0 {
		return time.Duration(s) * time.Second
	}
	return 30 * time.Second
}

func (d *Daemon) heartbeatTimeout() time.Duration {
	if s := d.cfg.Watcher.HeartbeatTimeoutSec; s > 0 {
		return time.Duration(s) * time.Second
	}
	return 5 * time.Minute
}

func (d *Daemon) debounceInterval() time.Duration {
	if s := d.cfg.Watcher.DebounceSec; s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	return 500 * time.Millisecond
}

// intakeStories expands story files dropped into stories/. Expanded files
// move to stories/archive, malformed ones to quarantine; either way a file is
// handled exactly once.
func (d *Daemon) intakeStories() {
	storiesDir := filepath.Join(d.baseDir, "stories")
	entries, err := os.ReadDir(storiesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Errorf("read stories dir: %v", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(storiesDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Errorf("read story file %s: %v", entry.Name(), err)
			continue
		}
		if max := d.cfg.Limits.MaxYAMLFileBytes; max > 0 && len(data) > max {
			d.quarantineStory(path, fmt.Errorf("file is %d bytes, limit %d", len(data), max))
			continue
		}

		var story model.Story
		if err := goyaml.Unmarshal(data, &story); err != nil {
			d.quarantineStory(path, err)
			continue
		}

		if _, _, err := d.orch.SubmitStory(story); err != nil {
			var mse *model.MalformedStoryError
			if errors.As(err, &mse) {
				d.quarantineStory(path, err)
			} else {
				d.logger.Errorf("expand story file %s: %v", entry.Name(), err)
			}
			continue
		}
		d.archiveStory(path)
	}
}

func (d *Daemon) quarantineStory(path string, cause error) {
	qPath, err := newsroomyaml.Quarantine(d.baseDir, path)
	if err != nil {
		d.logger.Errorf("quarantine story %s: %v (cause: %v)", filepath.Base(path), err, cause)
		return
	}
	d.logger.Warnf("story_quarantined file=%s moved=%s cause=%v", filepath.Base(path), qPath, cause)
}

func (d *Daemon) archiveStory(path string) {
	archiveDir := filepath.Join(d.baseDir, "stories", "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		d.logger.Errorf("create story archive: %v", err)
		return
	}
	dest := filepath.Join(archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.logger.Errorf("archive story %s: %v", filepath.Base(path), err)
	}
}

// fsnotifyLoop debounces filesystem events into scans: a burst of writes
// (a worker updating heartbeat and output in quick succession, a story file
// landing in several chunks) triggers one pass after the configured quiet
// interval.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := d.debounceInterval()
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timer.C:
			d.scan()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.logger.Debugf("periodic scan triggered")
			d.scan()
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit.
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.bus.Publish(events.EventDaemonStopped, map[string]any{"pid": os.Getpid()})

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.cfg.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warnf("shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.baseDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	d.bus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}
