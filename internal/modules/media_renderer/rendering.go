package mediarenderer

import (
	"context"
	"strconv"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// RenderingControlType is the RenderingControl type served.
var RenderingControlType = upnp.ServiceURN("RenderingControl", 1)

// Volume bounds. VolumeDB is in 1/256 dB.
const (
	MaxVolume     = 100
	DefaultVolume = 50
	MinVolumeDB   = -10240
	MaxVolumeDB   = 0

	presetFactoryDefaults = "FactoryDefaults"
)

// RenderingControlSCPD returns the RenderingControl:1 service description.
func RenderingControlSCPD() *description.SCPD {
	inst := description.In("InstanceID", "A_ARG_TYPE_InstanceID")
	channel := description.In("Channel", "A_ARG_TYPE_Channel")
	return &description.SCPD{
		Actions: []description.Action{
			description.NewAction("ListPresets", inst, description.Out("CurrentPresetNameList", "PresetNameList")),
			description.NewAction("SelectPreset", inst, description.In("PresetName", "A_ARG_TYPE_PresetName")),
			description.NewAction("GetVolume", inst, channel, description.Out("CurrentVolume", "Volume")),
			description.NewAction("SetVolume", inst, channel, description.In("DesiredVolume", "Volume")),
			description.NewAction("GetMute", inst, channel, description.Out("CurrentMute", "Mute")),
			description.NewAction("SetMute", inst, channel, description.In("DesiredMute", "Mute")),
			description.NewAction("GetVolumeDB", inst, channel, description.Out("CurrentVolume", "VolumeDB")),
			description.NewAction("SetVolumeDB", inst, channel, description.In("DesiredVolume", "VolumeDB")),
			description.NewAction("GetVolumeDBRange", inst, channel,
				description.Out("MinValue", "A_ARG_TYPE_VolumeDB"),
				description.Out("MaxValue", "A_ARG_TYPE_VolumeDB")),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("PresetNameList", "string", description.Default(presetFactoryDefaults)),
			description.NewVariable("Volume", "ui2", description.Default(strconv.Itoa(DefaultVolume)),
				description.Range("0", strconv.Itoa(MaxVolume), "1")),
			description.NewVariable("Mute", "boolean", description.Default("0")),
			description.NewVariable("VolumeDB", "i2", description.Default(strconv.Itoa(volumeToDB(DefaultVolume))),
				description.Range(strconv.Itoa(MinVolumeDB), strconv.Itoa(MaxVolumeDB), "1")),
			description.NewVariable(state.LastChange, "string", description.Evented()),
			description.NewVariable("A_ARG_TYPE_Channel", "string", description.Allowed("Master")),
			description.NewVariable("A_ARG_TYPE_PresetName", "string", description.Allowed(presetFactoryDefaults)),
			description.NewVariable("A_ARG_TYPE_VolumeDB", "i2"),
			description.NewVariable("A_ARG_TYPE_InstanceID", "ui4"),
		},
	}
}

// RenderingControl applies volume and mute to the player of the matching
// transport instance.
type RenderingControl struct {
	vars    *state.Store
	players func(id uint32) Player
}

// NewRenderingControl returns a RenderingControl over vars.
func NewRenderingControl(vars *state.Store, players func(id uint32) Player) *RenderingControl {
	return &RenderingControl{vars: vars, players: players}
}

// Volume returns the volume and mute of instance id.
func (r *RenderingControl) Volume(id uint32) (int, bool) {
	v, _ := r.vars.Get("Volume", id)
	m, _ := r.vars.Get("Mute", id)
	volume, _ := strconv.Atoi(v)
	return volume, m == "1"
}

func (r *RenderingControl) setVolume(id uint32, volume int) error {
	if err := r.players(id).SetVolume(volume); err != nil {
		return err
	}
	r.vars.Set(id, "Volume", strconv.Itoa(volume))
	r.vars.Set(id, "VolumeDB", strconv.Itoa(volumeToDB(volume)))
	return nil
}

func (r *RenderingControl) setMute(id uint32, mute bool) error {
	if err := r.players(id).SetMute(mute); err != nil {
		return err
	}
	value := "0"
	if mute {
		value = "1"
	}
	r.vars.Set(id, "Mute", value)
	return nil
}

// Bind attaches the control to a RenderingControl dispatcher.
func (r *RenderingControl) Bind(d *dispatch.Dispatcher) {
	fromStore := func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return nil, nil
	}
	d.MustBind("ListPresets", fromStore)
	d.MustBind("GetVolume", fromStore)
	d.MustBind("GetMute", fromStore)
	d.MustBind("GetVolumeDB", fromStore)
	d.MustBind("GetVolumeDBRange", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return dispatch.Result{
			"MinValue": strconv.Itoa(MinVolumeDB),
			"MaxValue": strconv.Itoa(MaxVolumeDB),
		}, nil
	})
	d.MustBind("SelectPreset", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		if err := r.setVolume(call.InstanceID, DefaultVolume); err != nil {
			return nil, err
		}
		return nil, r.setMute(call.InstanceID, false)
	})
	d.MustBind("SetVolume", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		volume, err := strconv.Atoi(call.Arg("DesiredVolume"))
		if err != nil {
			return nil, upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		return nil, r.setVolume(call.InstanceID, volume)
	})
	d.MustBind("SetVolumeDB", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		db, err := strconv.Atoi(call.Arg("DesiredVolume"))
		if err != nil {
			return nil, upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		return nil, r.setVolume(call.InstanceID, dbToVolume(db))
	})
	d.MustBind("SetMute", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		mute, err := parseBool(call.Arg("DesiredMute"))
		if err != nil {
			return nil, upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		return nil, r.setMute(call.InstanceID, mute)
	})
}

// volumeToDB maps the linear volume range onto [MinVolumeDB, MaxVolumeDB].
func volumeToDB(volume int) int {
	return MinVolumeDB + volume*(MaxVolumeDB-MinVolumeDB)/MaxVolume
}

func dbToVolume(db int) int {
	if db < MinVolumeDB {
		db = MinVolumeDB
	}
	if db > MaxVolumeDB {
		db = MaxVolumeDB
	}
	return (db - MinVolumeDB) * MaxVolume / (MaxVolumeDB - MinVolumeDB)
}

func parseBool(value string) (bool, error) {
	switch value {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return strconv.ParseBool(value)
}
