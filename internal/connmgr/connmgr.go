// Package connmgr implements the ConnectionManager service shared by media
// servers and renderers.
package connmgr

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// ServiceType is the ConnectionManager type served.
var ServiceType = upnp.ServiceURN("ConnectionManager", 1)

// Connection directions.
const (
	DirectionInput  = "Input"
	DirectionOutput = "Output"
)

// ConnectionManager-specific fault codes. They share numbers with
// ContentDirectory codes but carry their own meaning on this service.
const (
	CodeIncompatibleProtocol   = 701
	CodeIncompatibleDirections = 702
)

// Connection is one row of the connection table.
type Connection struct {
	ID                    int32
	AVTransportID         int32
	RcsID                 int32
	ProtocolInfo          string
	PeerConnectionManager string
	PeerConnectionID      int32
	Direction             string
	Status                string
}

// Options configures a Manager.
type Options struct {
	Source []upnp.ProtocolInfo
	Sink   []upnp.ProtocolInfo
	// Transport and Rendering receive a new instance per prepared
	// connection. Either may be nil.
	Transport *state.Store
	Rendering *state.Store
	// Released runs after a completed connection's instances are removed.
	Released func(Connection)
	Logger   *zap.Logger
}

// Manager holds the connection table. Connection 0 always exists.
type Manager struct {
	source    []upnp.ProtocolInfo
	sink      []upnp.ProtocolInfo
	transport *state.Store
	rendering *state.Store
	released  func(Connection)
	log       *zap.Logger

	mu    sync.Mutex
	conns map[int32]Connection
	next  int32
	vars  *state.Store
}

// New returns a manager with the default connection 0.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	direction := DirectionOutput
	if len(opts.Source) == 0 && len(opts.Sink) > 0 {
		direction = DirectionInput
	}
	return &Manager{
		source:    opts.Source,
		sink:      opts.Sink,
		transport: opts.Transport,
		rendering: opts.Rendering,
		released:  opts.Released,
		log:       opts.Logger,
		conns: map[int32]Connection{
			0: {ID: 0, PeerConnectionID: -1, Direction: direction, Status: "OK"},
		},
		next: 1,
	}
}

// SCPD returns the ConnectionManager:1 service description.
func SCPD() *description.SCPD {
	return &description.SCPD{
		Actions: []description.Action{
			description.NewAction("GetProtocolInfo",
				description.Out("Source", "SourceProtocolInfo"),
				description.Out("Sink", "SinkProtocolInfo"),
			),
			description.NewAction("GetCurrentConnectionIDs",
				description.Out("ConnectionIDs", "CurrentConnectionIDs"),
			),
			description.NewAction("GetCurrentConnectionInfo",
				description.In("ConnectionID", "A_ARG_TYPE_ConnectionID"),
				description.Out("RcsID", "A_ARG_TYPE_RcsID"),
				description.Out("AVTransportID", "A_ARG_TYPE_AVTransportID"),
				description.Out("ProtocolInfo", "A_ARG_TYPE_ProtocolInfo"),
				description.Out("PeerConnectionManager", "A_ARG_TYPE_ConnectionManager"),
				description.Out("PeerConnectionID", "A_ARG_TYPE_ConnectionID"),
				description.Out("Direction", "A_ARG_TYPE_Direction"),
				description.Out("Status", "A_ARG_TYPE_ConnectionStatus"),
			),
			description.NewAction("PrepareForConnection",
				description.In("RemoteProtocolInfo", "A_ARG_TYPE_ProtocolInfo"),
				description.In("PeerConnectionManager", "A_ARG_TYPE_ConnectionManager"),
				description.In("PeerConnectionID", "A_ARG_TYPE_ConnectionID"),
				description.In("Direction", "A_ARG_TYPE_Direction"),
				description.Out("ConnectionID", "A_ARG_TYPE_ConnectionID"),
				description.Out("AVTransportID", "A_ARG_TYPE_AVTransportID"),
				description.Out("RcsID", "A_ARG_TYPE_RcsID"),
			),
			description.NewAction("ConnectionComplete",
				description.In("ConnectionID", "A_ARG_TYPE_ConnectionID"),
			),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("SourceProtocolInfo", "string", description.Evented()),
			description.NewVariable("SinkProtocolInfo", "string", description.Evented()),
			description.NewVariable("CurrentConnectionIDs", "string", description.Evented(), description.Default("0")),
			description.NewVariable("A_ARG_TYPE_ConnectionStatus", "string",
				description.Allowed("OK", "ContentFormatMismatch", "InsufficientBandwidth", "UnreliableChannel", "Unknown")),
			description.NewVariable("A_ARG_TYPE_ConnectionManager", "string"),
			description.NewVariable("A_ARG_TYPE_Direction", "string", description.Allowed(DirectionInput, DirectionOutput)),
			description.NewVariable("A_ARG_TYPE_ProtocolInfo", "string"),
			description.NewVariable("A_ARG_TYPE_ConnectionID", "i4"),
			description.NewVariable("A_ARG_TYPE_AVTransportID", "i4"),
			description.NewVariable("A_ARG_TYPE_RcsID", "i4"),
		},
	}
}

// ProtocolInfo returns the source and sink lists as advertised.
func (m *Manager) ProtocolInfo() (string, string) {
	return upnp.JoinProtocolInfo(m.source), upnp.JoinProtocolInfo(m.sink)
}

// Sink returns the sink protocol list.
func (m *Manager) Sink() []upnp.ProtocolInfo {
	return append([]upnp.ProtocolInfo(nil), m.sink...)
}

// ConnectionIDs returns the current connection ids in ascending order.
func (m *Manager) ConnectionIDs() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idsLocked()
}

func (m *Manager) idsLocked() []int32 {
	ids := make([]int32, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connection returns one row of the table, or a 706 fault.
func (m *Manager) Connection(id int32) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Connection{}, upnp.NewError(upnp.CodeInvalidConnection)
	}
	return c, nil
}

// Prepare allocates a connection for remote. Instances are created in the
// transport and rendering stores under the connection id.
func (m *Manager) Prepare(remote string, peerManager string, peerID int32, direction string) (Connection, error) {
	local := m.source
	if direction == DirectionInput {
		local = m.sink
	}
	if len(local) == 0 {
		return Connection{}, upnp.Errorf(CodeIncompatibleDirections, "Incompatible directions")
	}
	pi, err := upnp.ParseProtocolInfo(remote)
	if err != nil {
		return Connection{}, upnp.Errorf(CodeIncompatibleProtocol, "Incompatible protocol info")
	}
	if _, _, ok := upnp.MatchAny(local, []upnp.ProtocolInfo{pi}); !ok {
		return Connection{}, upnp.Errorf(CodeIncompatibleProtocol, "Incompatible protocol info")
	}

	m.mu.Lock()
	id := m.next
	m.next++
	conn := Connection{
		ID:                    id,
		AVTransportID:         -1,
		RcsID:                 -1,
		ProtocolInfo:          pi.String(),
		PeerConnectionManager: peerManager,
		PeerConnectionID:      peerID,
		Direction:             direction,
		Status:                "OK",
	}
	if m.transport != nil {
		if err := m.transport.CreateInstance(uint32(id)); err != nil {
			m.mu.Unlock()
			return Connection{}, upnp.Errorf(upnp.CodeActionFailed, "%v", err)
		}
		conn.AVTransportID = id
	}
	if m.rendering != nil {
		if err := m.rendering.CreateInstance(uint32(id)); err != nil {
			if m.transport != nil {
				_ = m.transport.RemoveInstance(uint32(id))
			}
			m.mu.Unlock()
			return Connection{}, upnp.Errorf(upnp.CodeActionFailed, "%v", err)
		}
		conn.RcsID = id
	}
	m.conns[id] = conn
	ids := m.idsLocked()
	m.mu.Unlock()

	m.log.Debug("connection prepared", zap.Int32("connection_id", id), zap.String("protocol_info", conn.ProtocolInfo))
	m.publish(ids)
	return conn, nil
}

// Complete closes a prepared connection.
func (m *Manager) Complete(id int32) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok || id == 0 {
		m.mu.Unlock()
		return upnp.NewError(upnp.CodeInvalidConnection)
	}
	delete(m.conns, id)
	ids := m.idsLocked()
	m.mu.Unlock()

	if conn.AVTransportID > 0 && m.transport != nil {
		_ = m.transport.RemoveInstance(uint32(conn.AVTransportID))
	}
	if conn.RcsID > 0 && m.rendering != nil {
		_ = m.rendering.RemoveInstance(uint32(conn.RcsID))
	}
	if m.released != nil {
		m.released(conn)
	}
	m.log.Debug("connection complete", zap.Int32("connection_id", id))
	m.publish(ids)
	return nil
}

func (m *Manager) publish(ids []int32) {
	m.mu.Lock()
	vars := m.vars
	m.mu.Unlock()
	if vars == nil {
		return
	}
	vars.Set(0, "CurrentConnectionIDs", joinIDs(ids))
}

func joinIDs(ids []int32) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(int64(id), 10))
	}
	return strings.Join(parts, ",")
}

// Bind attaches the manager to a ConnectionManager dispatcher and its
// variable store.
func (m *Manager) Bind(d *dispatch.Dispatcher, vars *state.Store) {
	source, sink := m.ProtocolInfo()
	vars.Set(0, "SourceProtocolInfo", source)
	vars.Set(0, "SinkProtocolInfo", sink)
	m.mu.Lock()
	m.vars = vars
	ids := m.idsLocked()
	m.mu.Unlock()
	m.publish(ids)

	d.MustBind("GetProtocolInfo", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		source, sink := m.ProtocolInfo()
		return dispatch.Result{"Source": source, "Sink": sink}, nil
	})
	d.MustBind("GetCurrentConnectionIDs", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return dispatch.Result{"ConnectionIDs": joinIDs(m.ConnectionIDs())}, nil
	})
	d.MustBind("GetCurrentConnectionInfo", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		id, err := connectionID(call)
		if err != nil {
			return nil, err
		}
		c, err := m.Connection(id)
		if err != nil {
			return nil, err
		}
		return dispatch.Result{
			"RcsID":                 itoa(c.RcsID),
			"AVTransportID":         itoa(c.AVTransportID),
			"ProtocolInfo":          c.ProtocolInfo,
			"PeerConnectionManager": c.PeerConnectionManager,
			"PeerConnectionID":      itoa(c.PeerConnectionID),
			"Direction":             c.Direction,
			"Status":                c.Status,
		}, nil
	})
	d.MustBind("PrepareForConnection", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		peerID, err := strconv.ParseInt(call.Arg("PeerConnectionID"), 10, 32)
		if err != nil {
			return nil, upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		c, err := m.Prepare(call.Arg("RemoteProtocolInfo"), call.Arg("PeerConnectionManager"), int32(peerID), call.Arg("Direction"))
		if err != nil {
			return nil, err
		}
		return dispatch.Result{
			"ConnectionID":  itoa(c.ID),
			"AVTransportID": itoa(c.AVTransportID),
			"RcsID":         itoa(c.RcsID),
		}, nil
	})
	d.MustBind("ConnectionComplete", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		id, err := connectionID(call)
		if err != nil {
			return nil, err
		}
		return dispatch.Result{}, m.Complete(id)
	})
}

func connectionID(call dispatch.Call) (int32, error) {
	id, err := strconv.ParseInt(call.Arg("ConnectionID"), 10, 32)
	if err != nil {
		return 0, upnp.NewError(upnp.CodeInvalidConnection)
	}
	return int32(id), nil
}

func itoa(v int32) string { return strconv.FormatInt(int64(v), 10) }
