// Package pipeline runs the per-tick capture, validate, upload, composite
// and present sequence over every configured target window.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/capture"
	"github.com/bryanchriswhite/kgcapture/internal/compositor"
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/gpu"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/present"
	"github.com/bryanchriswhite/kgcapture/internal/validate"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/sourcegraph/conc/pool"
)

// LoopState is the lifecycle of the loop as a whole
type LoopState string

const (
	LoopIdle     LoopState = "idle"
	LoopLocating LoopState = "locating"
	LoopRunning  LoopState = "running"
	LoopStopped  LoopState = "stopped"
)

// Options wires the loop to its collaborators
type Options struct {
	Config        *config.Config
	Locator       *window.Locator
	Capturer      capture.Capturer
	Surface       present.Surface
	DeviceFactory gpu.Factory
}

// region is one target window and its position in the stack
type region struct {
	index   int
	target  config.Target
	handle  *window.Handle
	size    frame.Size
	machine machine

	// relocation after the window went away
	goneAttempts int
	nextLocate   time.Time
}

// regionResult is what one region's work produced this tick
type regionResult struct {
	index   int
	texture gpu.Texture
	stats   RegionStats
	err     error
}

// Loop is the render loop. Run owns it; the accessors are safe from other goroutines.
type Loop struct {
	locator  *window.Locator
	capturer capture.Capturer
	surface  present.Surface
	factory  gpu.Factory
	retrier  *validate.Retrier
	format   gpu.Format

	cfgMu           sync.RWMutex
	cfg             *config.Config
	relayoutPending bool

	device   gpu.Device
	uploader *gpu.Uploader
	rc       *compositor.RenderContext
	regions  []*region

	uploadFailures int
	tick           uint64

	state    atomic.Value
	statsMu  sync.RWMutex
	totals   Totals
	last     TickStats
	started  time.Time
	subs     broadcaster
	now      func() time.Time
	backoff  window.Backoff
	layoutMu sync.RWMutex
	layout   compositor.Layout
}

// New validates opts and prepares a loop; nothing is located or created until Run
func New(opts Options) (*Loop, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Locator == nil || opts.Capturer == nil || opts.Surface == nil {
		return nil, fmt.Errorf("pipeline: locator, capturer and surface are required")
	}
	if opts.DeviceFactory == nil {
		opts.DeviceFactory = gpu.SoftwareFactory()
	}

	cfg := opts.Config.Clone()
	l := &Loop{
		locator:  opts.Locator,
		capturer: opts.Capturer,
		surface:  opts.Surface,
		factory:  opts.DeviceFactory,
		retrier:  validate.NewRetrier(validate.PolicyFromConfig(cfg.Validation)),
		format:   gpu.FormatFor(cfg.Device.ColorSpace),
		cfg:      cfg,
		now:      time.Now,
		backoff: window.Backoff{
			Initial:     cfg.Locate.InitialBackoff,
			Max:         cfg.Locate.MaxBackoff,
			MaxAttempts: cfg.Locate.MaxAttempts,
		},
	}
	for i, t := range cfg.Targets {
		l.regions = append(l.regions, &region{
			index:   i,
			target:  t,
			machine: machine{log: *logger.WithRegion("pipeline", t.Name)},
		})
	}
	l.state.Store(LoopIdle)
	return l, nil
}

// ApplyConfig takes the hot-reloadable settings: validation policy and padding
func (l *Loop) ApplyConfig(cfg *config.Config) {
	l.cfgMu.Lock()
	l.cfg.Validation = cfg.Validation
	if l.cfg.Present.Padding != cfg.Present.Padding {
		l.cfg.Present.Padding = cfg.Present.Padding
		l.relayoutPending = true
	}
	l.cfgMu.Unlock()

	l.retrier.SetPolicy(validate.PolicyFromConfig(cfg.Validation))
	logger.WithComponent("pipeline").Info().
		Int("max_attempts", cfg.Validation.MaxAttempts).
		Str("exhaustion", string(cfg.Validation.Exhaustion)).
		Bool("single_shot", cfg.Validation.SingleShot).
		Msg("Applied config")
}

func (l *Loop) config() *config.Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg.Clone()
}

// takeRelayout reports and clears a pending relayout along with the config it applies to
func (l *Loop) takeRelayout() (*config.Config, bool) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	pending := l.relayoutPending
	l.relayoutPending = false
	return l.cfg.Clone(), pending
}

// State returns the loop lifecycle state
func (l *Loop) State() LoopState {
	return l.state.Load().(LoopState)
}

// Layout returns the current composite layout
func (l *Loop) Layout() compositor.Layout {
	l.layoutMu.RLock()
	defer l.layoutMu.RUnlock()
	return l.layout
}

func (l *Loop) setLayout(layout compositor.Layout) {
	l.layoutMu.Lock()
	l.layout = layout
	l.layoutMu.Unlock()
}

// Totals returns the cumulative counters
func (l *Loop) Totals() Totals {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.totals.clone()
}

// LastTick returns the stats of the most recent tick
func (l *Loop) LastTick() TickStats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.last
}

// Started returns when Run began, or the zero time
func (l *Loop) Started() time.Time {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.started
}

// Subscribe delivers every tick's stats until cancel is called or Run returns
func (l *Loop) Subscribe(buffer int) (<-chan TickStats, func()) {
	return l.subs.subscribe(buffer)
}

// Run locates every target, creates the device and surface, and ticks until
// ctx is done or the surface is closed. Both end with a nil error.
// A target that cannot be located returns a *Error of KindNotFound.
func (l *Loop) Run(ctx context.Context) error {
	log := logger.WithComponent("pipeline")
	defer l.state.Store(LoopStopped)
	defer l.subs.closeAll()

	l.statsMu.Lock()
	l.started = l.now()
	l.statsMu.Unlock()

	if err := l.start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer l.shutdown()

	l.state.Store(LoopRunning)
	log.Info().
		Int("regions", len(l.regions)).
		Str("layout", l.Layout().Size().String()).
		Str("surface", l.surface.Name()).
		Str("capturer", l.capturer.Name()).
		Str("format", l.format.String()).
		Msg("Render loop started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Render loop stopped")
			return nil
		}
		closed := l.runTick(ctx)
		if closed {
			log.Info().Msg("Surface closed, render loop stopped")
			return nil
		}
	}
}

// start locates the targets and builds the device, surface and render context
func (l *Loop) start(ctx context.Context) error {
	log := logger.WithComponent("pipeline")
	l.state.Store(LoopLocating)

	for _, r := range l.regions {
		h, err := l.locator.LocateWithRetry(ctx, r.target.Title)
		if err != nil {
			return wrap(r.target.Name, err)
		}
		size, err := l.locator.ClientSize(h)
		if err != nil {
			return wrap(r.target.Name, err)
		}
		r.handle = h
		r.size = size
		log.Info().
			Str("region", r.target.Name).
			Str("window", h.String()).
			Int("width", size.Width).
			Int("height", size.Height).
			Msg("Located target window")
	}

	cfg, _ := l.takeRelayout()
	layout := compositor.ComputeLayout(l.sizes(), cfg.Present.Padding)

	device, err := l.factory(l.format)
	if err != nil {
		return wrap("", fmt.Errorf("create device: %w", err))
	}

	if err := l.surface.Start(layout.TargetSize()); err != nil {
		device.Close()
		return fmt.Errorf("start surface: %w", err)
	}

	rc, err := compositor.NewRenderContext(device, l.surface, layout)
	if err != nil {
		l.surface.Close()
		device.Close()
		return wrap("", err)
	}

	l.device = device
	l.uploader = gpu.NewUploader(device)
	l.rc = rc
	l.setLayout(layout)
	return nil
}

func (l *Loop) shutdown() {
	if l.rc != nil {
		l.rc.Close()
	}
	if l.device != nil {
		l.device.Close()
	}
	if err := l.surface.Close(); err != nil {
		logger.WithComponent("pipeline").Warn().Err(err).Msg("Failed to close surface")
	}
}

func (l *Loop) sizes() []frame.Size {
	sizes := make([]frame.Size, len(l.regions))
	for i, r := range l.regions {
		sizes[i] = r.size
	}
	return sizes
}

// runTick runs one tick and records its stats; it reports whether the surface was closed
func (l *Loop) runTick(ctx context.Context) bool {
	ts, closed := l.doTick(ctx)
	if closed {
		return true
	}

	l.statsMu.Lock()
	l.totals.add(ts)
	l.last = ts
	l.statsMu.Unlock()

	l.subs.publish(ts)
	return false
}

// doTick: events, sizes, per-region work, compose, present
func (l *Loop) doTick(ctx context.Context) (TickStats, bool) {
	log := logger.WithComponent("pipeline")
	cfg, relayout := l.takeRelayout()

	l.tick++
	ts := TickStats{Tick: l.tick, Started: l.now()}

	// 1. surface events
	surfaceResized := false
	for _, ev := range l.surface.PollEvents(cfg.Present.MaxEventsPerTick) {
		switch ev.Kind {
		case present.EventClose:
			return ts, true
		case present.EventResize:
			log.Debug().Str("size", ev.Size.String()).Msg("Surface resized externally")
			surfaceResized = true
		}
	}

	// 2. client sizes and relocation
	if l.refreshSizes(cfg) || surfaceResized || relayout {
		layout := compositor.ComputeLayout(l.sizes(), cfg.Present.Padding)
		if err := l.rc.Resize(layout); err != nil {
			log.Warn().Err(err).Str("kind", Classify(err).String()).Msg("Resize failed")
		}
		l.setLayout(l.rc.Layout())
		ts.Relayout = true
	}

	// 3. capture, validate, upload
	results := l.processRegions(ctx, cfg)

	var (
		batch      []compositor.Region
		uploadFail bool
	)
	ts.Regions = make([]RegionStats, len(l.regions))
	for _, res := range results {
		ts.Regions[res.index] = res.stats
		if res.texture != nil {
			batch = append(batch, compositor.Region{Index: res.index, Texture: res.texture})
		}
		switch Classify(res.err) {
		case KindDeviceAllocation, KindDeviceLost:
			uploadFail = true
		}
	}

	// 4. compose, then release every texture
	composeStats, err := l.rc.Compose(batch)
	for _, r := range batch {
		r.Texture.Release()
		if err == nil {
			l.regions[r.Index].machine.to(StateComposited)
			ts.Regions[r.Index].Composited = true
		}
		l.regions[r.Index].machine.to(StateIdle)
	}
	if err != nil {
		kind := Classify(err)
		log.Warn().Err(err).Str("kind", kind.String()).Msg("Compose failed")
		if kind == KindDeviceLost || kind == KindDeviceAllocation {
			uploadFail = true
		}
	}
	if composeStats.Relayout {
		l.setLayout(l.rc.Layout())
		ts.Relayout = true
	}

	if uploadFail {
		l.uploadFailures++
	} else {
		l.uploadFailures = 0
	}
	if l.uploadFailures >= cfg.Device.RecreateAfter {
		if err := l.recreateDevice(); err != nil {
			log.Error().Err(err).Msg("Device recreation failed")
		} else {
			ts.DeviceRecreated = true
		}
		l.uploadFailures = 0
	}

	// 5. present
	if err := l.rc.Present(cfg.Present.SyncInterval); err != nil {
		log.Warn().Err(err).Str("kind", Classify(err).String()).Msg("Present failed")
	} else {
		ts.Presented = true
	}

	ts.Layout = l.Layout().Size()
	ts.Duration = l.now().Sub(ts.Started)
	log.Trace().
		Uint64("tick", ts.Tick).
		Dur("duration", ts.Duration).
		Int("composited", composeStats.Copied).
		Msg("Tick complete")
	return ts, false
}

// refreshSizes polls every located region and retries missing ones; it reports any size change
func (l *Loop) refreshSizes(cfg *config.Config) bool {
	changed := false
	for _, r := range l.regions {
		if r.handle == nil {
			if l.relocate(r) {
				changed = true
			}
			continue
		}
		size, err := l.locator.ClientSize(r.handle)
		if errors.Is(err, window.ErrWindowGone) {
			l.markGone(r, err)
			continue
		}
		if err != nil {
			logger.WithRegion("pipeline", r.target.Name).Warn().Err(err).Msg("Failed to read client size")
			continue
		}
		if size != r.size {
			logger.WithRegion("pipeline", r.target.Name).Info().
				Str("from", r.size.String()).
				Str("to", size.String()).
				Msg("Target window resized")
			r.size = size
			changed = true
		}
	}
	return changed
}

// markGone drops the handle; the region keeps its last size so the layout stays put
func (l *Loop) markGone(r *region, err error) {
	if r.handle == nil {
		return
	}
	logger.WithRegion("pipeline", r.target.Name).Warn().
		Err(err).
		Str("window", r.handle.String()).
		Msg("Target window gone, relocating")
	r.handle = nil
	r.goneAttempts = 0
	r.nextLocate = l.now()
}

// relocate tries one lookup when the region's backoff has elapsed
func (l *Loop) relocate(r *region) bool {
	now := l.now()
	if now.Before(r.nextLocate) {
		return false
	}
	h, err := l.locator.Locate(r.target.Title)
	if err == nil {
		var size frame.Size
		size, err = l.locator.ClientSize(h)
		if err == nil {
			logger.WithRegion("pipeline", r.target.Name).Info().
				Str("window", h.String()).
				Int("attempts", r.goneAttempts+1).
				Msg("Target window relocated")
			r.handle = h
			changed := size != r.size
			r.size = size
			r.goneAttempts = 0
			return changed
		}
	}
	r.goneAttempts++
	r.nextLocate = now.Add(l.backoff.Delay(r.goneAttempts))
	return false
}

// processRegions runs every located region, sequentially or on a bounded worker pool
func (l *Loop) processRegions(ctx context.Context, cfg *config.Config) []regionResult {
	if !cfg.Capture.Parallel || len(l.regions) < 2 {
		results := make([]regionResult, 0, len(l.regions))
		for _, r := range l.regions {
			results = append(results, l.processRegion(ctx, r))
		}
		return results
	}

	p := pool.NewWithResults[regionResult]().WithMaxGoroutines(cfg.Capture.MaxWorkers)
	for _, r := range l.regions {
		r := r
		p.Go(func() regionResult {
			return l.processRegion(ctx, r)
		})
	}
	return p.Wait()
}

// processRegion captures with retry and uploads one region. It touches only r.
func (l *Loop) processRegion(ctx context.Context, r *region) regionResult {
	out := regionResult{
		index: r.index,
		stats: RegionStats{Name: r.target.Name, Size: r.size},
	}
	if r.handle == nil {
		out.stats.Disposition = DispositionMissing
		return out
	}
	out.stats.Window = r.handle.String()
	if r.size.Empty() {
		out.stats.Disposition = validate.Skipped.String()
		return out
	}

	h, size := r.handle, r.size
	m := &r.machine
	res, err := l.retrier.RunObserved(ctx,
		func() (*frame.Buffer, error) {
			m.to(StateCapturing)
			buf, err := l.capturer.Capture(h, size)
			if err == nil {
				m.to(StateValidating)
			}
			return buf, err
		},
		func(a validate.Attempt) {
			if a.Outcome.Accepted() {
				m.to(StateAccepted)
				return
			}
			m.to(StateRejected)
			if a.Last {
				m.to(StateRetryExhausted)
			} else {
				m.to(StateRetry)
			}
		},
	)
	out.stats.Attempts = res.Attempts
	out.stats.Rejections = res.Rejections

	if err != nil {
		m.to(StateIdle)
		return l.fail(r, out, err)
	}

	out.stats.Disposition = res.Disposition.String()
	switch res.Disposition {
	case validate.Skipped:
		m.to(StateSkipTick)
		m.to(StateIdle)
		out.stats.ErrorKind = KindValidationRejected
		logger.WithRegion("pipeline", r.target.Name).Debug().
			Int("attempts", res.Attempts).
			Str("reason", res.LastReason).
			Msg("Every capture rejected, skipping region this tick")
		return out
	case validate.Stale:
		out.stats.ErrorKind = KindValidationRejected
	}

	m.to(StateUploading)
	tex, err := l.uploader.Upload(res.Buffer)
	if err != nil {
		m.to(StateIdle)
		return l.fail(r, out, err)
	}
	out.texture = tex
	return out
}

func (l *Loop) fail(r *region, out regionResult, err error) regionResult {
	if errors.Is(err, context.Canceled) {
		out.stats.Disposition = validate.Skipped.String()
		return out
	}
	err = wrap(r.target.Name, err)
	kind := Classify(err)
	out.err = err
	out.stats.Disposition = DispositionError
	out.stats.ErrorKind = kind
	out.stats.Error = err.Error()

	if kind == KindWindowGone {
		l.markGone(r, err)
	} else {
		logger.WithRegion("pipeline", r.target.Name).Debug().
			Err(err).
			Str("kind", kind.String()).
			Msg("Region skipped this tick")
	}
	return out
}

// recreateDevice replaces the device, the uploader's binding and the back buffer
func (l *Loop) recreateDevice() error {
	device, err := l.factory(l.format)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	if err := l.rc.SetDevice(device); err != nil {
		device.Close()
		return err
	}
	old := l.device
	l.device = device
	l.uploader.SetDevice(device)
	if old != nil {
		old.Close()
	}

	logger.WithComponent("pipeline").Warn().
		Str("device", device.Name()).
		Msg("Graphics device recreated")
	return nil
}
