// Package scheduler is the shared timer facility: cron-driven repeating
// jobs executed by a small worker pool. Invocations of one job never
// overlap (a slow tick delays the next, it does not run concurrently),
// and a panic inside a job is recovered at the tick boundary so the
// timer keeps scheduling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "todobot/pkg/logx"
)

type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Asia/Tokyo"
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// runState serializes invocations of a single job.
type runState struct {
	mu      sync.Mutex
	running bool
}

func (st *runState) tryAcquire() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running {
		return false
	}
	st.running = true
	return true
}

func (st *runState) release() {
	st.mu.Lock()
	st.running = false
	st.mu.Unlock()
}

type job struct {
	id      string
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	state   *runState
}

type scheduleDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	fn      func(ctx context.Context) error
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
	seq    int

	queue    chan job
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddInterval registers a repeating job with a fixed period.
// Must be called before Start.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, fn func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be positive", name)
	}
	return s.add(name, fmt.Sprintf("@every %s", every.String()), timeout, fn)
}

// AddDaily registers a job running once a day at HH:MM in the scheduler
// timezone. Must be called before Start.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, fn func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, fn)
}

func (s *Service) add(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return errors.New("scheduler already started")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.seq++
	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("job:%d", s.seq),
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		fn:      fn,
		state:   &runState{},
	})
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan job, 64)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		d := s.defs[i]
		if _, err := s.c.AddFunc(d.spec, func() {
			s.enqueue(job{id: d.id, name: d.name, timeout: d.timeout, run: d.fn, state: d.state})
		}); err != nil {
			return fmt.Errorf("schedule %q: %w", d.name, err)
		}
	}

	stopCh := s.stopCh
	queue := s.queue
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", workers), logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	c := s.c
	s.stopCh = nil
	s.c = nil
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		// Wait for in-flight cron dispatches, bounded by ctx.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.workerWG.Wait()
	s.log.Info("scheduler stopped")
}

// Kick runs a registered job immediately, outside its schedule.
// Used by manual commands; the overlap policy still applies.
func (s *Service) Kick(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return false
	}
	for _, d := range s.defs {
		if d.name == name {
			s.enqueue(job{id: d.id, name: d.name, timeout: d.timeout, run: d.fn, state: d.state})
			return true
		}
	}
	return false
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) enqueue(j job) {
	select {
	case s.queue <- j:
	default:
		s.log.Warn("scheduler queue full, dropping tick", logx.String("job", j.name))
	}
}

func (s *Service) worker(ctx context.Context, stopCh chan struct{}, queue chan job, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, j)
		}
	}
}

func (s *Service) execOne(ctx context.Context, j job) {
	if !j.state.tryAcquire() {
		s.log.Debug("tick skipped; previous run still in progress", logx.String("job", j.name))
		return
	}
	defer j.state.release()

	start := time.Now()
	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	err := s.runRecovered(runCtx, j)

	item := HistoryItem{ID: j.id, Name: j.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("tick failed", logx.String("job", j.name), logx.Err(err))
	} else {
		s.log.Debug("tick ok", logx.String("job", j.name), logx.Duration("took", item.Duration))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; n > 0 && len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) runRecovered(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in scheduled job",
				logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.run(ctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
