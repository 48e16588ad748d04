// Package dbusapi implements the `com.nokia.mce` service at
// `/com/nokia/mce/request` (inbound method calls) and
// `/com/nokia/mce/signal` (outbound signals), plus the outbound peer
// call to the compositor.
//
// It is grounded on godbus/dbus/v5; there is no teacher or pack file
// using it outside test doubles, since the retrieval pack's
// canonical-snapd D-Bus call sites were filtered down to test files —
// see _examples/canonical-snapd/dbus and dbusutil. The exported request
// object's method names are left exactly as the wire method names
// (Req_display_state_on, not RequestDisplayStateOn) because that is
// what the real mce D-Bus API calls them and godbus/dbus/v5's
// reflection-based Export matches Go method names to D-Bus member names
// verbatim.
//
// busConn narrows *dbus.Conn down to what this package calls, so tests
// can supply a fake bus without a real session/system bus connection —
// the same "depend on an interface, not the concrete client" shape
// internal/compositor uses for its Peer.
package dbusapi

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/mce-go/internal/cabc"
	"github.com/sailfishos/mce-go/internal/compositor"
	"github.com/sailfishos/mce-go/internal/display"
	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

const (
	BusName = "com.nokia.mce"

	RequestPath  = dbus.ObjectPath("/com/nokia/mce/request")
	SignalPath   = dbus.ObjectPath("/com/nokia/mce/signal")
	RequestIface = "com.nokia.mce.request"
	SignalIface  = "com.nokia.mce.signal"

	maxPauseClients = 5
)

// busConn is the subset of *dbus.Conn this package depends on.
type busConn interface {
	Export(v any, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...any) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// Callbacks bundles everything Hub dispatches inbound requests to. All
// fields are required in production wiring; cmd/mced supplies them from
// the display machine, blanking scheduler and CABC controller.
type Callbacks struct {
	// RequestDisplayState is display.Machine.RequestState.
	RequestDisplayState func(display.State) (display.State, bool)
	// CurrentDisplayState is display.Machine.Current.
	CurrentDisplayState func() display.State

	// AddPauseClient/RemovePauseClient wrap
	// blanking.Scheduler.Add/RemovePauseClient; Hub itself enforces the
	// 5-client cap and per-state acceptance rule before calling these.
	AddPauseClient    func()
	RemovePauseClient func()
	// BlankingInhibitActive reports whether any inhibit mode currently
	// applies, for get_blanking_inhibit.
	BlankingInhibitActive func() bool
	// BlankingPauseMode gates whether a pause request at ON/DIM is
	// accepted at all: disabled, keep-on, or allow-dim.
	BlankingPauseMode func() string // "disabled" | "keep-on" | "allow-dim"

	CabcRequest func(owner string, mode cabc.Mode)
	CabcCurrent func() cabc.Mode
	// CabcOwnerLost wraps cabc.Controller.ReleaseOwner, called when the
	// bus name that last called Req_cabc_mode disappears.
	CabcOwnerLost func(owner string)
}

// Hub owns the D-Bus request object, the signal emitters, the bounded
// blanking-pause client set and CABC-owner tracking by bus name.
type Hub struct {
	log  *mcelog.Logger
	lp   *loop.Loop
	conn busConn
	cb   Callbacks

	mu           sync.Mutex
	pauseClients []string // ordered bus (unique) names, len <= maxPauseClients
	cabcOwner    string

	lastPauseInd, lastInhibitInd *bool
	indDebouncePending           bool

	ownerSignals chan *dbus.Signal
}

// New constructs a Hub bound to conn. Call Serve to export the request
// object, claim the bus name and begin watching NameOwnerChanged.
func New(lp *loop.Loop, log *mcelog.Logger, conn busConn, cb Callbacks) *Hub {
	return &Hub{lp: lp, log: log, conn: conn, cb: cb}
}

// Serve exports the request object, requests the well-known bus name,
// and arms the NameOwnerChanged watch used to notice disappearing
// blanking-pause clients and the CABC-mode owner.
func (h *Hub) Serve() error {
	if err := h.conn.Export(&requestObject{hub: h}, RequestPath, RequestIface); err != nil {
		return err
	}
	if _, err := h.conn.RequestName(BusName, dbus.NameFlagDoNotQueue); err != nil {
		return err
	}
	if err := h.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}
	h.ownerSignals = make(chan *dbus.Signal, 16)
	h.conn.Signal(h.ownerSignals)
	go h.watchOwners()
	return nil
}

// Close stops the NameOwnerChanged watch.
func (h *Hub) Close() {
	if h.ownerSignals == nil {
		return
	}
	h.conn.RemoveSignal(h.ownerSignals)
	close(h.ownerSignals)
}

func (h *Hub) watchOwners() {
	for sig := range h.ownerSignals {
		if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue // only disappearance matters here
		}
		h.submit(func() { h.onNameVanished(name) })
	}
}

func (h *Hub) onNameVanished(name string) {
	h.mu.Lock()
	removed := false
	out := h.pauseClients[:0:0]
	for _, c := range h.pauseClients {
		if c == name {
			removed = true
			continue
		}
		out = append(out, c)
	}
	h.pauseClients = out
	wasOwner := h.cabcOwner == name
	if wasOwner {
		h.cabcOwner = ""
	}
	h.mu.Unlock()

	if removed {
		if h.cb.RemovePauseClient != nil {
			h.cb.RemovePauseClient()
		}
		h.scheduleIndicatorRecheck()
	}
	if wasOwner && h.cb.CabcOwnerLost != nil {
		h.cb.CabcOwnerLost(name)
	}
}

func (h *Hub) submit(fn func()) {
	if h.lp != nil {
		_ = h.lp.Submit(fn)
		return
	}
	fn()
}

// submitSync runs fn on the loop goroutine and blocks the caller (a
// godbus dispatch goroutine) until it has completed, for the Get_*
// methods that must hand a reply value straight back to the caller
// instead of firing and forgetting.
func (h *Hub) submitSync(fn func()) {
	if h.lp == nil {
		fn()
		return
	}
	done := make(chan struct{})
	if err := h.lp.Submit(func() {
		fn()
		close(done)
	}); err != nil {
		fn()
		return
	}
	<-done
}

// requestObject is the exported `/com/nokia/mce/request` object. Method
// names are the literal D-Bus member names ; godbus/dbus/v5
// matches them to incoming calls verbatim.
type requestObject struct {
	hub *Hub
}

func (r *requestObject) Req_display_state_on() *dbus.Error {
	r.hub.submit(func() { r.hub.cb.RequestDisplayState(display.StateOn) })
	return nil
}

func (r *requestObject) Req_display_state_dim() *dbus.Error {
	r.hub.submit(func() { r.hub.cb.RequestDisplayState(display.StateDim) })
	return nil
}

func (r *requestObject) Req_display_state_off() *dbus.Error {
	r.hub.submit(func() { r.hub.cb.RequestDisplayState(display.StateOff) })
	return nil
}

func (r *requestObject) Req_display_state_lpm() *dbus.Error {
	r.hub.submit(func() { r.hub.cb.RequestDisplayState(display.StateLPMOn) })
	return nil
}

func (r *requestObject) Get_display_status() (string, *dbus.Error) {
	var s display.State
	r.hub.submitSync(func() { s = r.hub.cb.CurrentDisplayState() })
	return displayStatusString(s), nil
}

// Req_display_blanking_pause adds sender as a blanking-pause client:
// bounded at 5 clients, accepted unconditionally at ON (unless mode is
// disabled), only with allow-dim mode at DIM, and ignored at any other
// state.
func (r *requestObject) Req_display_blanking_pause(sender dbus.Sender) *dbus.Error {
	name := string(sender)
	r.hub.submit(func() { r.hub.addPauseClient(name) })
	return nil
}

func (r *requestObject) Req_display_cancel_blanking_pause(sender dbus.Sender) *dbus.Error {
	name := string(sender)
	r.hub.submit(func() { r.hub.removePauseClient(name) })
	return nil
}

func (r *requestObject) Get_display_blanking_pause() (string, *dbus.Error) {
	var active bool
	r.hub.submitSync(func() { active = r.hub.pauseActive() })
	return activeInactive(active), nil
}

func (r *requestObject) Get_display_blanking_inhibit() (string, *dbus.Error) {
	var active bool
	r.hub.submitSync(func() {
		if r.hub.cb.BlankingInhibitActive != nil {
			active = r.hub.cb.BlankingInhibitActive()
		}
	})
	return activeInactive(active), nil
}

func (r *requestObject) Req_cabc_mode(mode string, sender dbus.Sender) *dbus.Error {
	owner := string(sender)
	r.hub.submit(func() {
		r.hub.mu.Lock()
		r.hub.cabcOwner = owner
		r.hub.mu.Unlock()
		if r.hub.cb.CabcRequest != nil {
			r.hub.cb.CabcRequest(owner, cabc.Mode(mode))
		}
	})
	return nil
}

func (r *requestObject) Get_cabc_mode() (string, *dbus.Error) {
	mode := cabc.ModeOff
	r.hub.submitSync(func() {
		if r.hub.cb.CabcCurrent != nil {
			mode = r.hub.cb.CabcCurrent()
		}
	})
	return string(mode), nil
}

func (h *Hub) addPauseClient(sender string) {
	h.mu.Lock()
	accept := false
	already := false
	for _, c := range h.pauseClients {
		if c == sender {
			already = true
			break
		}
	}
	mode := "allow-dim"
	if h.cb.BlankingPauseMode != nil {
		mode = h.cb.BlankingPauseMode()
	}
	state := display.StateUndef
	if h.cb.CurrentDisplayState != nil {
		state = h.cb.CurrentDisplayState()
	}
	switch {
	case mode == "disabled":
		accept = false
	case already:
		accept = true // refresh, doesn't count against the cap again
	case len(h.pauseClients) >= maxPauseClients:
		accept = false
	case state == display.StateOn:
		accept = true
	case state == display.StateDim:
		accept = mode == "allow-dim"
	default:
		accept = false
	}
	if accept && !already {
		h.pauseClients = append(h.pauseClients, sender)
	}
	h.mu.Unlock()

	if accept && h.cb.AddPauseClient != nil {
		h.cb.AddPauseClient()
		h.scheduleIndicatorRecheck()
	}
}

func (h *Hub) removePauseClient(sender string) {
	h.mu.Lock()
	out := h.pauseClients[:0:0]
	removed := false
	for _, c := range h.pauseClients {
		if c == sender {
			removed = true
			continue
		}
		out = append(out, c)
	}
	h.pauseClients = out
	h.mu.Unlock()

	if removed {
		if h.cb.RemovePauseClient != nil {
			h.cb.RemovePauseClient()
		}
		h.scheduleIndicatorRecheck()
	}
}

func (h *Hub) pauseActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pauseClients) > 0
}

func displayStatusString(s display.State) string {
	switch s {
	case display.StateOn:
		return "on"
	case display.StateDim:
		return "dim"
	default:
		return "off"
	}
}

func activeInactive(v bool) string {
	if v {
		return "active"
	}
	return "inactive"
}

// EmitDisplayStatus sends display_status_ind(s). The display state
// machine calls it once per state: after the stable-state entry for
// ON/DIM/LPM_ON, or at transition-begin for OFF/LPM_OFF.
func (h *Hub) EmitDisplayStatus(s display.State) {
	if err := h.conn.Emit(SignalPath, SignalIface+".display_status_ind", displayStatusString(s)); err != nil {
		h.logSendFailure("display_status_ind", err)
	}
}

// EmitFaderOpacity sends fader_opacity_ind(i,i): opacity percent and
// duration in ms, for compositor-side dim overlay animation.
func (h *Hub) EmitFaderOpacity(opacityPercent, durationMS int) {
	if err := h.conn.Emit(SignalPath, SignalIface+".fader_opacity_ind", int32(opacityPercent), int32(durationMS)); err != nil {
		h.logSendFailure("fader_opacity_ind", err)
	}
}

// scheduleIndicatorRecheck debounces blanking_pause_ind/
// blanking_inhibit_ind through a single queued loop callback
// ("debounced through an idle callback"), so a burst of client
// add/remove calls in one tick emits at most one signal pair.
func (h *Hub) scheduleIndicatorRecheck() {
	h.mu.Lock()
	if h.indDebouncePending {
		h.mu.Unlock()
		return
	}
	h.indDebouncePending = true
	h.mu.Unlock()

	h.submit(h.emitIndicatorsIfChanged)
}

func (h *Hub) emitIndicatorsIfChanged() {
	h.mu.Lock()
	h.indDebouncePending = false
	h.mu.Unlock()

	pause := h.pauseActive()
	inhibit := false
	if h.cb.BlankingInhibitActive != nil {
		inhibit = h.cb.BlankingInhibitActive()
	}

	h.mu.Lock()
	emitPause := h.lastPauseInd == nil || *h.lastPauseInd != pause
	emitInhibit := h.lastInhibitInd == nil || *h.lastInhibitInd != inhibit
	h.lastPauseInd = &pause
	h.lastInhibitInd = &inhibit
	h.mu.Unlock()

	if emitPause {
		if err := h.conn.Emit(SignalPath, SignalIface+".blanking_pause_ind", activeInactive(pause)); err != nil {
			h.logSendFailure("blanking_pause_ind", err)
		}
	}
	if emitInhibit {
		if err := h.conn.Emit(SignalPath, SignalIface+".blanking_inhibit_ind", activeInactive(inhibit)); err != nil {
			h.logSendFailure("blanking_inhibit_ind", err)
		}
	}
}

// logSendFailure logs a D-Bus signal-send failure at warning
// ("D-Bus send failure: log; drop; retry state-machine as needed" —
// the state machine itself needs no retry here since these are
// level-triggered indicators re-emitted on the next state change).
func (h *Hub) logSendFailure(signal string, err error) {
	if h.log == nil {
		return
	}
	h.log.Warn("dbusapi: signal send failed", mcelog.Fields{"signal": signal, "error": err.Error()})
}

// CompositorPeer implements compositor.Peer over a live D-Bus
// connection: the single outstanding setUpdatesEnabled(bool) async call
// to org.nemomobile.compositor.
type CompositorPeer struct {
	lp      *loop.Loop
	conn    busConn
	busName string
	path    dbus.ObjectPath
	iface   string
	timeout time.Duration
}

// NewCompositorPeer constructs a CompositorPeer. timeout defaults to 2
// minutes if zero.
func NewCompositorPeer(lp *loop.Loop, conn busConn, busName string, path dbus.ObjectPath, iface string, timeout time.Duration) *CompositorPeer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CompositorPeer{lp: lp, conn: conn, busName: busName, path: path, iface: iface, timeout: timeout}
}

func (p *CompositorPeer) SetUpdatesEnabled(enabled bool, pc *loop.PendingCall) error {
	obj := p.conn.Object(p.busName, p.path)
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	call := obj.GoWithContext(ctx, p.iface+".setUpdatesEnabled", 0, make(chan *dbus.Call, 1), enabled)
	go func() {
		defer cancel()
		ret := <-call.Done
		if ret.Err != nil {
			p.lp.Reject(pc.ID, ret.Err)
			return
		}
		state := compositor.StateDisabled
		if enabled {
			state = compositor.StateEnabled
		}
		p.lp.Resolve(pc.ID, state)
	}()
	return nil
}

// ResolveConnectionPID looks up the unix process id owning busName, for
// the compositor watchdog's lazily-resolved kill target.
func ResolveConnectionPID(conn busConn, busName string) (int, error) {
	var pid uint32
	err := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus").
		Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, busName).
		Store(&pid)
	if err != nil {
		return 0, err
	}
	return int(pid), nil
}
