// Package profiling captures a CPU profile when a transaction turns out slow.
package profiling

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/internal/logging"
)

type Config struct {
	Enabled          bool
	LatencyThreshold time.Duration
	Duration         time.Duration
	Cooldown         time.Duration
	// Dir receives the profile files.
	Dir string
}

// Profiler starts at most one CPU profile per transaction name per cooldown.
type Profiler struct {
	config Config
	fs     afero.Fs
	logger *zap.Logger
	now    func() time.Time

	startCPU func(io.Writer) error
	stopCPU  func()

	cooldownsLock sync.Mutex
	cooldowns     map[string]time.Time
	wg            sync.WaitGroup
}

// NewProfiler returns nil when profiling is disabled. A nil Profiler never profiles.
func NewProfiler(config Config, fs afero.Fs, logger *zap.Logger) *Profiler {
	if !config.Enabled || config.LatencyThreshold <= 0 {
		return nil
	}
	if config.Duration <= 0 {
		config.Duration = 10 * time.Second
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger = logging.OrNop(logger).With(zap.String("component", "profiler"))
	logger.Info("on-demand profiler enabled",
		zap.Duration("threshold", config.LatencyThreshold),
		zap.String("dir", config.Dir))
	return &Profiler{
		config:    config,
		fs:        fs,
		logger:    logger,
		now:       time.Now,
		startCPU:  pprof.StartCPUProfile,
		stopCPU:   pprof.StopCPUProfile,
		cooldowns: make(map[string]time.Time),
	}
}

// ProfileIfSlow starts a CPU profile in the background when duration exceeds
// the latency threshold and name is not cooling down. It reports whether a
// profile was started.
func (p *Profiler) ProfileIfSlow(name string, duration time.Duration) bool {
	if p == nil || duration < p.config.LatencyThreshold {
		return false
	}
	if !p.acquire(name) {
		p.logger.Debug("slow transaction in cooldown", zap.String("transaction", name))
		return false
	}

	p.logger.Info("transaction exceeded latency threshold, starting CPU profile",
		zap.String("transaction", name),
		zap.Duration("duration", duration))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.profile(name)
	}()
	return true
}

// Wait blocks until running profiles are written.
func (p *Profiler) Wait() {
	if p != nil {
		p.wg.Wait()
	}
}

func (p *Profiler) profile(name string) {
	filename := filepath.Join(p.config.Dir, fmt.Sprintf("profile_%s_%d.pprof", sanitize(name), p.now().Unix()))

	f, err := p.fs.Create(filename)
	if err != nil {
		p.logger.Error("failed to create profile file", zap.String("transaction", name), zap.Error(err))
		return
	}
	defer f.Close()

	if err := p.startCPU(f); err != nil {
		// only one CPU profile can run per process
		p.logger.Warn("failed to start CPU profile", zap.String("transaction", name), zap.Error(err))
		return
	}
	time.Sleep(p.config.Duration)
	p.stopCPU()

	p.logger.Info("CPU profile written", zap.String("transaction", name), zap.String("file", filename))
}

// acquire sets the cooldown for name unless one is running.
func (p *Profiler) acquire(name string) bool {
	p.cooldownsLock.Lock()
	defer p.cooldownsLock.Unlock()

	now := p.now()
	if end, ok := p.cooldowns[name]; ok && now.Before(end) {
		return false
	}
	p.cooldowns[name] = now.Add(p.config.Cooldown)
	return true
}

func (p *Profiler) isCoolingDown(name string) bool {
	p.cooldownsLock.Lock()
	defer p.cooldownsLock.Unlock()

	end, ok := p.cooldowns[name]
	return ok && p.now().Before(end)
}

var unsafeChars = strings.NewReplacer("/", "_", " ", "_", "{", "", "}", "", ":", "", "?", "_")

func sanitize(name string) string {
	return unsafeChars.Replace(name)
}
