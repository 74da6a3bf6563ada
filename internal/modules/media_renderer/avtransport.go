package mediarenderer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// AVTransportType is the AVTransport type served.
var AVTransportType = upnp.ServiceURN("AVTransport", 1)

// Transport states.
const (
	StateStopped       = "STOPPED"
	StatePlaying       = "PLAYING"
	StatePaused        = "PAUSED_PLAYBACK"
	StateTransitioning = "TRANSITIONING"
	StateNoMedia       = "NO_MEDIA_PRESENT"
)

// Play modes.
const (
	PlayModeNormal    = "NORMAL"
	PlayModeRepeatOne = "REPEAT_ONE"
	PlayModeRepeatAll = "REPEAT_ALL"
)

// AVTransport fault codes.
const (
	CodeTransitionNotAvailable = 701
	CodeSeekModeNotSupported   = 710
	CodeIllegalSeekTarget      = 711
)

const (
	zeroClock       = "0:00:00"
	counterUnknown  = "2147483647"
	notImplemented  = "NOT_IMPLEMENTED"
	storageNetwork  = "NETWORK"
	storageNone     = "NONE"
	transportStatus = "OK"
)

func errTransition() error {
	return upnp.Errorf(CodeTransitionNotAvailable, "Transition not available")
}

// AVTransportSCPD returns the AVTransport:1 service description.
func AVTransportSCPD() *description.SCPD {
	inst := description.In("InstanceID", "A_ARG_TYPE_InstanceID")
	return &description.SCPD{
		Actions: []description.Action{
			description.NewAction("SetAVTransportURI", inst,
				description.In("CurrentURI", "AVTransportURI"),
				description.In("CurrentURIMetaData", "AVTransportURIMetaData")),
			description.NewAction("SetNextAVTransportURI", inst,
				description.In("NextURI", "NextAVTransportURI"),
				description.In("NextURIMetaData", "NextAVTransportURIMetaData")),
			description.NewAction("GetMediaInfo", inst,
				description.Out("NrTracks", "NumberOfTracks"),
				description.Out("MediaDuration", "CurrentMediaDuration"),
				description.Out("CurrentURI", "AVTransportURI"),
				description.Out("CurrentURIMetaData", "AVTransportURIMetaData"),
				description.Out("NextURI", "NextAVTransportURI"),
				description.Out("NextURIMetaData", "NextAVTransportURIMetaData"),
				description.Out("PlayMedium", "PlaybackStorageMedium"),
				description.Out("RecordMedium", "RecordStorageMedium"),
				description.Out("WriteStatus", "RecordMediumWriteStatus")),
			description.NewAction("GetTransportInfo", inst,
				description.Out("CurrentTransportState", "TransportState"),
				description.Out("CurrentTransportStatus", "TransportStatus"),
				description.Out("CurrentSpeed", "TransportPlaySpeed")),
			description.NewAction("GetPositionInfo", inst,
				description.Out("Track", "CurrentTrack"),
				description.Out("TrackDuration", "CurrentTrackDuration"),
				description.Out("TrackMetaData", "CurrentTrackMetaData"),
				description.Out("TrackURI", "CurrentTrackURI"),
				description.Out("RelTime", "RelativeTimePosition"),
				description.Out("AbsTime", "AbsoluteTimePosition"),
				description.Out("RelCount", "RelativeCounterPosition"),
				description.Out("AbsCount", "AbsoluteCounterPosition")),
			description.NewAction("GetDeviceCapabilities", inst,
				description.Out("PlayMedia", "PossiblePlaybackStorageMedia"),
				description.Out("RecMedia", "PossibleRecordStorageMedia"),
				description.Out("RecQualityModes", "PossibleRecordQualityModes")),
			description.NewAction("GetTransportSettings", inst,
				description.Out("PlayMode", "CurrentPlayMode"),
				description.Out("RecQualityMode", "CurrentRecordQualityMode")),
			description.NewAction("Stop", inst),
			description.NewAction("Play", inst, description.In("Speed", "TransportPlaySpeed")),
			description.NewAction("Pause", inst),
			description.NewAction("Seek", inst,
				description.In("Unit", "A_ARG_TYPE_SeekMode"),
				description.In("Target", "A_ARG_TYPE_SeekTarget")),
			description.NewAction("Next", inst),
			description.NewAction("Previous", inst),
			description.NewAction("SetPlayMode", inst, description.In("NewPlayMode", "CurrentPlayMode")),
			description.NewAction("GetCurrentTransportActions", inst,
				description.Out("Actions", "CurrentTransportActions")),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("TransportState", "string", description.Default(StateNoMedia),
				description.Allowed(StateStopped, StatePlaying, StatePaused, StateTransitioning, StateNoMedia)),
			description.NewVariable("TransportStatus", "string", description.Default(transportStatus),
				description.Allowed(transportStatus, "ERROR_OCCURRED")),
			description.NewVariable("PlaybackStorageMedium", "string", description.Default(storageNone),
				description.Allowed(storageNone, storageNetwork)),
			description.NewVariable("RecordStorageMedium", "string", description.Default(notImplemented),
				description.Allowed(notImplemented)),
			description.NewVariable("PossiblePlaybackStorageMedia", "string", description.Default(storageNone+","+storageNetwork)),
			description.NewVariable("PossibleRecordStorageMedia", "string", description.Default(notImplemented)),
			description.NewVariable("CurrentPlayMode", "string", description.Default(PlayModeNormal),
				description.Allowed(PlayModeNormal, PlayModeRepeatOne, PlayModeRepeatAll)),
			description.NewVariable("TransportPlaySpeed", "string", description.Default("1"), description.Allowed("1")),
			description.NewVariable("RecordMediumWriteStatus", "string", description.Default(notImplemented),
				description.Allowed(notImplemented)),
			description.NewVariable("CurrentRecordQualityMode", "string", description.Default(notImplemented),
				description.Allowed(notImplemented)),
			description.NewVariable("PossibleRecordQualityModes", "string", description.Default(notImplemented)),
			description.NewVariable("NumberOfTracks", "ui4", description.Default("0"), description.Range("0", "1", "1")),
			description.NewVariable("CurrentTrack", "ui4", description.Default("0"), description.Range("0", "1", "1")),
			description.NewVariable("CurrentTrackDuration", "string", description.Default(zeroClock)),
			description.NewVariable("CurrentMediaDuration", "string", description.Default(zeroClock)),
			description.NewVariable("CurrentTrackMetaData", "string"),
			description.NewVariable("CurrentTrackURI", "string"),
			description.NewVariable("AVTransportURI", "string"),
			description.NewVariable("AVTransportURIMetaData", "string"),
			description.NewVariable("NextAVTransportURI", "string"),
			description.NewVariable("NextAVTransportURIMetaData", "string"),
			description.NewVariable("RelativeTimePosition", "string", description.Default(zeroClock)),
			description.NewVariable("AbsoluteTimePosition", "string", description.Default(zeroClock)),
			description.NewVariable("RelativeCounterPosition", "i4", description.Default(counterUnknown)),
			description.NewVariable("AbsoluteCounterPosition", "i4", description.Default(counterUnknown)),
			description.NewVariable("CurrentTransportActions", "string"),
			description.NewVariable(state.LastChange, "string", description.Evented()),
			description.NewVariable("A_ARG_TYPE_SeekMode", "string",
				description.Allowed("ABS_TIME", "REL_TIME", "ABS_COUNT", "REL_COUNT", "TRACK_NR", "CHANNEL_FREQ", "TAPE-INDEX", "FRAME")),
			description.NewVariable("A_ARG_TYPE_SeekTarget", "string"),
			description.NewVariable("A_ARG_TYPE_InstanceID", "ui4"),
		},
	}
}

type transport struct {
	id     uint32
	player Player
	state  string

	uri      string
	meta     string
	duration time.Duration
	nextURI  string
	nextMeta string
	nextDur  time.Duration
	// start is where Play begins from the STOPPED state.
	start time.Duration
}

// AVTransport runs the transport state machine of every instance.
type AVTransport struct {
	vars      *state.Store
	sink      []upnp.ProtocolInfo
	newPlayer func() Player
	log       *zap.Logger

	mu        sync.Mutex
	instances map[uint32]*transport
}

// NewAVTransport returns a transport over vars. Each instance gets its own
// player from newPlayer.
func NewAVTransport(vars *state.Store, sink []upnp.ProtocolInfo, newPlayer func() Player, log *zap.Logger) *AVTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if newPlayer == nil {
		newPlayer = func() Player { return NewClockPlayer(nil) }
	}
	return &AVTransport{
		vars:      vars,
		sink:      sink,
		newPlayer: newPlayer,
		log:       log,
		instances: map[uint32]*transport{},
	}
}

// instanceLocked returns the transport of id, creating it on first use.
func (a *AVTransport) instanceLocked(id uint32) *transport {
	if t, ok := a.instances[id]; ok {
		return t
	}
	t := &transport{id: id, player: a.newPlayer(), state: StateNoMedia}
	a.instances[id] = t
	if id != 0 {
		// Instances are copied from instance 0, media included.
		a.clearMedia(t)
		a.setNext(t, "", "", 0)
		a.vars.Set(id, "CurrentPlayMode", PlayModeNormal)
		a.setState(t, StateNoMedia)
	}
	return t
}

// RemoveInstance drops the transport of id and stops its player.
// Instance 0 is never removed.
func (a *AVTransport) RemoveInstance(id uint32) {
	if id == 0 {
		return
	}
	a.mu.Lock()
	t, ok := a.instances[id]
	delete(a.instances, id)
	a.mu.Unlock()
	if ok {
		_ = t.player.Stop()
	}
}

// Player returns the player of instance id.
func (a *AVTransport) Player(id uint32) Player {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceLocked(id).player
}

// State returns the transport state of instance id.
func (a *AVTransport) State(id uint32) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceLocked(id).state
}

func (a *AVTransport) setState(t *transport, s string) {
	t.state = s
	a.vars.Set(t.id, "TransportState", s)
	a.publishActions(t)
}

func (a *AVTransport) publishActions(t *transport) {
	var actions []string
	switch t.state {
	case StatePlaying:
		actions = []string{"Pause", "Stop", "Seek", "Previous"}
	case StatePaused:
		actions = []string{"Play", "Stop", "Seek", "Previous"}
	case StateStopped:
		actions = []string{"Play", "Seek", "Previous"}
	}
	if t.nextURI != "" && t.state != StateNoMedia {
		actions = append(actions, "Next")
	}
	a.vars.Set(t.id, "CurrentTransportActions", strings.Join(actions, ","))
}

func (a *AVTransport) setMedia(t *transport, uri string, meta string, duration time.Duration) {
	t.uri, t.meta, t.duration, t.start = uri, meta, duration, 0
	a.vars.Set(t.id, "AVTransportURI", uri)
	a.vars.Set(t.id, "AVTransportURIMetaData", meta)
	a.vars.Set(t.id, "CurrentTrackURI", uri)
	a.vars.Set(t.id, "CurrentTrackMetaData", meta)
	a.vars.Set(t.id, "NumberOfTracks", "1")
	a.vars.Set(t.id, "CurrentTrack", "1")
	a.vars.Set(t.id, "CurrentTrackDuration", formatClock(duration))
	a.vars.Set(t.id, "CurrentMediaDuration", formatClock(duration))
	a.vars.Set(t.id, "PlaybackStorageMedium", storageNetwork)
}

func (a *AVTransport) clearMedia(t *transport) {
	t.uri, t.meta, t.duration, t.start = "", "", 0, 0
	for _, name := range []string{"AVTransportURI", "AVTransportURIMetaData", "CurrentTrackURI", "CurrentTrackMetaData"} {
		a.vars.Set(t.id, name, "")
	}
	a.vars.Set(t.id, "NumberOfTracks", "0")
	a.vars.Set(t.id, "CurrentTrack", "0")
	a.vars.Set(t.id, "CurrentTrackDuration", zeroClock)
	a.vars.Set(t.id, "CurrentMediaDuration", zeroClock)
	a.vars.Set(t.id, "PlaybackStorageMedium", storageNone)
}

func (a *AVTransport) setNext(t *transport, uri string, meta string, duration time.Duration) {
	t.nextURI, t.nextMeta, t.nextDur = uri, meta, duration
	a.vars.Set(t.id, "NextAVTransportURI", uri)
	a.vars.Set(t.id, "NextAVTransportURIMetaData", meta)
	a.publishActions(t)
}

// checkMetadata returns the duration announced by meta. It fails with 714
// when meta lists resources and none is playable here. Unparseable
// metadata is ignored.
func (a *AVTransport) checkMetadata(meta string) (time.Duration, error) {
	if strings.TrimSpace(meta) == "" {
		return 0, nil
	}
	doc, err := didl.Unmarshal([]byte(meta))
	if err != nil || len(doc.Objects) == 0 {
		a.log.Debug("ignoring unparseable metadata", zap.Error(err))
		return 0, nil
	}
	obj := doc.Objects[0]
	if len(obj.Resources) == 0 {
		return 0, nil
	}
	res, ok := obj.BestResource(a.sink)
	if !ok {
		return 0, upnp.NewError(upnp.CodeIllegalMIMEType)
	}
	if res.Duration == "" {
		return 0, nil
	}
	d, err := didl.ParseDuration(res.Duration)
	if err != nil {
		return 0, nil
	}
	return d, nil
}

// position returns the current position and the best known duration.
func (a *AVTransport) position(t *transport) (time.Duration, time.Duration) {
	pos, dur, ok := t.player.Position()
	if !ok || t.state == StateStopped || t.state == StateNoMedia {
		pos = t.start
	}
	if dur <= 0 {
		dur = t.duration
	}
	return pos, dur
}

// advance makes the next URI current.
func (a *AVTransport) advance(t *transport) error {
	playing := t.state == StatePlaying
	a.setMedia(t, t.nextURI, t.nextMeta, t.nextDur)
	a.setNext(t, "", "", 0)
	if playing {
		if err := t.player.Play(t.uri, 0); err != nil {
			a.setState(t, StateStopped)
			return err
		}
		a.setState(t, StatePlaying)
		return nil
	}
	_ = t.player.Stop()
	a.setState(t, StateStopped)
	return nil
}

// Tick detects the end of the current track on playing instances and
// drops transports whose instance was removed.
func (a *AVTransport) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.instances {
		if id != 0 && !a.vars.HasInstance(id) {
			_ = t.player.Stop()
			delete(a.instances, id)
			continue
		}
		if t.state != StatePlaying {
			continue
		}
		pos, dur := a.position(t)
		if dur <= 0 || pos < dur {
			continue
		}
		a.trackEnded(t)
	}
}

func (a *AVTransport) trackEnded(t *transport) {
	mode, _ := a.vars.Get("CurrentPlayMode", t.id)
	switch {
	case t.nextURI != "":
		if err := a.advance(t); err != nil {
			a.log.Warn("next track failed", zap.Uint32("instance", t.id), zap.Error(err))
		}
	case mode == PlayModeRepeatOne || mode == PlayModeRepeatAll:
		if err := t.player.Play(t.uri, 0); err != nil {
			a.log.Warn("repeat failed", zap.Uint32("instance", t.id), zap.Error(err))
			_ = t.player.Stop()
			a.setState(t, StateStopped)
		}
	default:
		_ = t.player.Stop()
		t.start = 0
		a.setState(t, StateStopped)
	}
}

// Bind attaches the transport to an AVTransport dispatcher.
func (a *AVTransport) Bind(d *dispatch.Dispatcher) {
	// Getters answer from the variable store.
	for _, action := range []string{"GetMediaInfo", "GetTransportInfo", "GetDeviceCapabilities", "GetTransportSettings", "GetCurrentTransportActions"} {
		d.MustBind(action, a.locked(func(*transport, dispatch.Call) (dispatch.Result, error) {
			return nil, nil
		}))
	}

	d.MustBind("SetAVTransportURI", a.locked(a.setAVTransportURI))
	d.MustBind("SetNextAVTransportURI", a.locked(a.setNextAVTransportURI))
	d.MustBind("GetPositionInfo", a.locked(a.getPositionInfo))
	d.MustBind("Play", a.locked(a.play))
	d.MustBind("Pause", a.locked(a.pause))
	d.MustBind("Stop", a.locked(a.stop))
	d.MustBind("Seek", a.locked(a.seek))
	d.MustBind("Next", a.locked(a.next))
	d.MustBind("Previous", a.locked(a.previous))
	d.MustBind("SetPlayMode", a.locked(func(t *transport, call dispatch.Call) (dispatch.Result, error) {
		a.vars.Set(t.id, "CurrentPlayMode", call.Arg("NewPlayMode"))
		return nil, nil
	}))
}

// locked runs h with the transport of the call's instance under the
// transport lock.
func (a *AVTransport) locked(h func(*transport, dispatch.Call) (dispatch.Result, error)) dispatch.Handler {
	return func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return h(a.instanceLocked(call.InstanceID), call)
	}
}

func (a *AVTransport) setAVTransportURI(t *transport, call dispatch.Call) (dispatch.Result, error) {
	uri := strings.TrimSpace(call.Arg("CurrentURI"))
	meta := call.Arg("CurrentURIMetaData")
	if uri == "" {
		_ = t.player.Stop()
		a.clearMedia(t)
		a.setState(t, StateNoMedia)
		return nil, nil
	}
	duration, err := a.checkMetadata(meta)
	if err != nil {
		return nil, err
	}
	a.setMedia(t, uri, meta, duration)
	if t.state == StatePlaying {
		if err := t.player.Play(uri, 0); err != nil {
			a.setState(t, StateStopped)
			return nil, err
		}
		a.publishActions(t)
		return nil, nil
	}
	_ = t.player.Stop()
	a.setState(t, StateStopped)
	a.log.Debug("transport uri set", zap.Uint32("instance", t.id), zap.String("uri", uri))
	return nil, nil
}

func (a *AVTransport) setNextAVTransportURI(t *transport, call dispatch.Call) (dispatch.Result, error) {
	if t.state == StateNoMedia {
		return nil, errTransition()
	}
	uri := strings.TrimSpace(call.Arg("NextURI"))
	meta := call.Arg("NextURIMetaData")
	if uri == "" {
		a.setNext(t, "", "", 0)
		return nil, nil
	}
	duration, err := a.checkMetadata(meta)
	if err != nil {
		return nil, err
	}
	a.setNext(t, uri, meta, duration)
	return nil, nil
}

func (a *AVTransport) getPositionInfo(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	pos, dur := a.position(t)
	if dur > 0 && pos > dur {
		pos = dur
	}
	return dispatch.Result{
		"RelTime": formatClock(pos),
		"AbsTime": formatClock(pos),
	}, nil
}

func (a *AVTransport) play(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	switch t.state {
	case StatePlaying:
		return nil, nil
	case StatePaused:
		if err := t.player.Resume(); err != nil {
			return nil, err
		}
	case StateStopped:
		if err := t.player.Play(t.uri, t.start); err != nil {
			return nil, err
		}
		t.start = 0
	default:
		return nil, errTransition()
	}
	a.setState(t, StatePlaying)
	return nil, nil
}

func (a *AVTransport) pause(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	switch t.state {
	case StatePaused:
		return nil, nil
	case StatePlaying:
		if err := t.player.Pause(); err != nil {
			return nil, err
		}
		a.setState(t, StatePaused)
		return nil, nil
	}
	return nil, errTransition()
}

func (a *AVTransport) stop(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	if t.state == StateNoMedia {
		return nil, errTransition()
	}
	if err := t.player.Stop(); err != nil {
		return nil, err
	}
	t.start = 0
	a.setState(t, StateStopped)
	return nil, nil
}

func (a *AVTransport) seek(t *transport, call dispatch.Call) (dispatch.Result, error) {
	if t.state == StateNoMedia {
		return nil, errTransition()
	}
	target := strings.TrimSpace(call.Arg("Target"))
	var pos time.Duration
	switch call.Arg("Unit") {
	case "REL_TIME", "ABS_TIME":
		d, err := didl.ParseDuration(target)
		if err != nil || (t.duration > 0 && d > t.duration) {
			return nil, upnp.Errorf(CodeIllegalSeekTarget, "Illegal seek target")
		}
		pos = d
	case "TRACK_NR":
		if n, err := strconv.Atoi(target); err != nil || n != 1 {
			return nil, upnp.Errorf(CodeIllegalSeekTarget, "Illegal seek target")
		}
	default:
		return nil, upnp.Errorf(CodeSeekModeNotSupported, "Seek mode not supported")
	}
	if t.state == StateStopped {
		t.start = pos
		return nil, nil
	}
	return nil, t.player.Seek(pos)
}

func (a *AVTransport) next(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	if t.state == StateNoMedia {
		return nil, errTransition()
	}
	if t.nextURI == "" {
		return nil, upnp.Errorf(CodeIllegalSeekTarget, "Illegal seek target")
	}
	return nil, a.advance(t)
}

func (a *AVTransport) previous(t *transport, _ dispatch.Call) (dispatch.Result, error) {
	switch t.state {
	case StateNoMedia:
		return nil, errTransition()
	case StateStopped:
		t.start = 0
		return nil, nil
	}
	return nil, t.player.Seek(0)
}

// formatClock renders d as H+:MM:SS.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
