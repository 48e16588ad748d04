// Package settings implements live, typed configuration keys backed by
// a YAML document on disk, watched
// for external edits so a settings UI writing the file directly (rather
// than calling into this daemon) still produces change notifications.
// Persistence uses gopkg.in/yaml.v3 (grounded in canonical-snapd's
// go.mod) and the watch uses fsnotify (grounded in gravwell-gravwell's
// filewatch.WatchManager, the same pattern internal/flagfiles adapts),
// since both modules solve "notice when a file I don't exclusively own
// changed" the same way.
//
// Out-of-range values are clamped to the nearest valid bound and the
// clamped value is written back, "Setting out of range"
// error-handling row.
package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

// BlankingPauseMode is the blanking-pause-mode setting.
type BlankingPauseMode string

const (
	BlankingPauseDisabled BlankingPauseMode = "disabled"
	BlankingPauseKeepOn   BlankingPauseMode = "keep-on"
	BlankingPauseAllowDim BlankingPauseMode = "allow-dim"
)

// SuspendPolicy mirrors internal/suspend.UserSetting as a persisted
// string so this package doesn't need to import suspend's int enum.
type SuspendPolicy string

const (
	SuspendEnabled   SuspendPolicy = "enabled"
	SuspendEarlyOnly SuspendPolicy = "early_only"
	SuspendDisabled  SuspendPolicy = "disabled"
)

// Document is the on-disk/in-memory shape of every typed configuration
// key.
type Document struct {
	DisplayBrightnessLevel int `yaml:"display_brightness_level"`
	DisplayBrightnessCount int `yaml:"display_brightness_count"`
	DisplayBrightnessSize  int `yaml:"display_brightness_size"`

	DimStaticPercent  int `yaml:"dim_static_percent"`
	DimDynamicPercent int `yaml:"dim_dynamic_percent"`

	DimCompositorThresholdLow  int `yaml:"dim_compositor_threshold_low"`
	DimCompositorThresholdHigh int `yaml:"dim_compositor_threshold_high"`

	BlankTimeoutNormal       int `yaml:"blank_timeout_normal_ms"`
	BlankTimeoutFromLockscreen int `yaml:"blank_timeout_from_lockscreen_ms"`
	BlankTimeoutFromLPMOn    int `yaml:"blank_timeout_from_lpm_on_ms"`
	BlankTimeoutFromLPMOff   int `yaml:"blank_timeout_from_lpm_off_ms"`

	DimTimeoutMS     int   `yaml:"dim_timeout_ms"`
	DimTimeoutAllowed []int `yaml:"dim_timeout_allowed_ms"`

	AdaptiveDimEnabled  bool `yaml:"adaptive_dim_enabled"`
	AdaptiveDimThreshold int `yaml:"adaptive_dim_threshold"`

	UseLowPowerMode bool `yaml:"use_low_power_mode"`

	BlankingInhibitMode string `yaml:"blanking_inhibit_mode"`
	KbdSlideInhibitMode string `yaml:"kbd_slide_inhibit_mode"`

	NeverBlank bool `yaml:"never_blank"`

	CompositorKillDelayMS int `yaml:"compositor_kill_delay_ms"`

	FadeDurationDefaultMS  int `yaml:"fade_duration_default_ms"`
	FadeDurationDimMS      int `yaml:"fade_duration_dim_ms"`
	FadeDurationALSMS      int `yaml:"fade_duration_als_ms"`
	FadeDurationBlankMS    int `yaml:"fade_duration_blank_ms"`
	FadeDurationUnblankMS  int `yaml:"fade_duration_unblank_ms"`

	OffOverrideUseLPM bool `yaml:"off_override_use_lpm"`

	OrientationSensorEnabled  bool `yaml:"orientation_sensor_enabled"`
	FlipoverGestureEnabled    bool `yaml:"flipover_gesture_enabled"`
	OrientationChangeIsActivity bool `yaml:"orientation_change_is_activity"`

	BlankingPauseMode BlankingPauseMode `yaml:"blanking_pause_mode"`

	SuspendPolicy SuspendPolicy `yaml:"suspend_policy"`
}

// Default returns the document's factory defaults.
func Default() Document {
	return Document{
		DisplayBrightnessCount: 100,
		DisplayBrightnessSize:  100,
		DisplayBrightnessLevel: 80,

		DimStaticPercent:  30,
		DimDynamicPercent: 50,

		DimCompositorThresholdLow:  10,
		DimCompositorThresholdHigh: 90,

		BlankTimeoutNormal:         3000,
		BlankTimeoutFromLockscreen: 5000,
		BlankTimeoutFromLPMOn:      5000,
		BlankTimeoutFromLPMOff:     5000,

		DimTimeoutMS:      30000,
		DimTimeoutAllowed: []int{15000, 30000, 60000, 120000},

		AdaptiveDimEnabled:   true,
		AdaptiveDimThreshold: 3,

		UseLowPowerMode: true,

		BlankingInhibitMode: "off",
		KbdSlideInhibitMode: "off",

		CompositorKillDelayMS: 30000,

		FadeDurationDefaultMS: 300,
		FadeDurationDimMS:     300,
		FadeDurationALSMS:     1000,
		FadeDurationBlankMS:   300,
		FadeDurationUnblankMS: 300,

		OrientationSensorEnabled:    true,
		OrientationChangeIsActivity: true,

		BlankingPauseMode: BlankingPauseAllowDim,
		SuspendPolicy:     SuspendEnabled,
	}
}

// clamp bounds every range-constrained key to its valid interval, per
// "Setting out of range: clamp to valid range, write back".
func (d *Document) clamp() (changed bool) {
	clampInt := func(v *int, lo, hi int) {
		if *v < lo {
			*v = lo
			changed = true
		} else if *v > hi {
			*v = hi
			changed = true
		}
	}
	clampInt(&d.DimStaticPercent, 0, 100)
	clampInt(&d.DimDynamicPercent, 0, 100)
	clampInt(&d.DimCompositorThresholdLow, 0, 100)
	clampInt(&d.DimCompositorThresholdHigh, 0, 100)
	if d.DimCompositorThresholdLow > d.DimCompositorThresholdHigh {
		d.DimCompositorThresholdLow, d.DimCompositorThresholdHigh = d.DimCompositorThresholdHigh, d.DimCompositorThresholdLow
		changed = true
	}
	clampInt(&d.DisplayBrightnessLevel, 1, 100)
	clampInt(&d.DimTimeoutMS, 1000, 600000)
	clampInt(&d.FadeDurationDefaultMS, 0, 5000)
	clampInt(&d.FadeDurationDimMS, 0, 5000)
	clampInt(&d.FadeDurationALSMS, 0, 5000)
	clampInt(&d.FadeDurationBlankMS, 0, 5000)
	clampInt(&d.FadeDurationUnblankMS, 100, 5000)

	switch d.BlankingPauseMode {
	case BlankingPauseDisabled, BlankingPauseKeepOn, BlankingPauseAllowDim:
	default:
		d.BlankingPauseMode = BlankingPauseAllowDim
		changed = true
	}
	switch d.SuspendPolicy {
	case SuspendEnabled, SuspendEarlyOnly, SuspendDisabled:
	default:
		d.SuspendPolicy = SuspendEnabled
		changed = true
	}
	return changed
}

// Store owns the on-disk document and notifies subscribers of changes,
// whether made through Update or observed from an external edit.
type Store struct {
	log  *mcelog.Logger
	lp   *loop.Loop
	path string

	mu  sync.Mutex
	doc Document

	onChange []func(Document)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads path (creating it with Default() contents if absent) and
// returns a Store. Call Watch to begin tracking external edits.
func Open(lp *loop.Loop, log *mcelog.Logger, path string) (*Store, error) {
	s := &Store{log: log, lp: lp, path: path}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.doc = Default()
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	changed := doc.clamp()
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	if changed {
		if err := s.save(); err != nil && s.log != nil {
			s.log.Debug("settings: writing back clamped values failed", mcelog.Fields{"error": err.Error()})
		}
	}
	return nil
}

func (s *Store) save() error {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Subscribe registers fn to be called, on the loop goroutine if one was
// supplied to Open, whenever the document changes.
func (s *Store) Subscribe(fn func(Document)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Update applies mutate to a copy of the current document, clamps it,
// persists it, and notifies subscribers if anything changed.
func (s *Store) Update(mutate func(*Document)) error {
	s.mu.Lock()
	next := s.doc
	mutate(&next)
	next.clamp()
	changed := !reflect.DeepEqual(next, s.doc)
	s.doc = next
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if err := s.save(); err != nil {
		return err
	}
	s.notify(next)
	return nil
}

func (s *Store) notify(doc Document) {
	s.mu.Lock()
	subs := append([]func(Document){}, s.onChange...)
	s.mu.Unlock()
	deliver := func() {
		for _, fn := range subs {
			fn(doc)
		}
	}
	if s.lp != nil {
		_ = s.lp.Submit(deliver)
	} else {
		deliver()
	}
}

// Watch begins watching path's parent directory for external edits,
// reloading and renotifying on change ("change notifications").
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.routine()
	return nil
}

// Close stops watching. Idempotent; safe to call even if Watch was
// never called.
func (s *Store) Close() {
	if s.watcher == nil {
		return
	}
	_ = s.watcher.Close()
	<-s.done
}

func (s *Store) routine() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			s.reloadExternal()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.log != nil {
				s.log.Debug("settings: watcher error", mcelog.Fields{"error": err.Error()})
			}
		}
	}
}

func (s *Store) reloadExternal() {
	reload := func() {
		if err := s.load(); err != nil {
			if s.log != nil {
				s.log.Debug("settings: external reload failed", mcelog.Fields{"error": err.Error()})
			}
			return
		}
		s.notify(s.Snapshot())
	}
	if s.lp != nil {
		_ = s.lp.Submit(reload)
	} else {
		reload()
	}
}
