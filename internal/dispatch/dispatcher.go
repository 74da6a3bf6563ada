// Package dispatch validates control calls against a service description and
// routes them to bound handlers.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// InstanceArg names the argument selecting a service instance.
const InstanceArg = "InstanceID"

// Call is one validated action invocation.
type Call struct {
	Action     string
	ClientTag  string
	InstanceID uint32
	Args       map[string]string
}

// Arg returns an argument value.
func (c Call) Arg(name string) string {
	return c.Args[name]
}

// Result maps OUT argument names to values.
type Result map[string]string

// Handler implements one action. It may block; the context carries the
// dispatch deadline.
type Handler func(ctx context.Context, call Call) (Result, error)

// Aliases renames arguments per client tag and action before validation.
type Aliases map[string]map[string]map[string]string

// DefaultAliases carries the known client quirks.
var DefaultAliases = Aliases{
	"XBox": {
		"Browse": {"ContainerID": "ObjectID"},
	},
}

// Options configures a Dispatcher.
type Options struct {
	Timeout time.Duration
	Aliases Aliases
	Logger  *zap.Logger
}

// Dispatcher maps declared actions to handlers.
type Dispatcher struct {
	scpd     *description.SCPD
	store    *state.Store
	handlers map[string]Handler
	aliases  Aliases
	timeout  time.Duration
	log      *zap.Logger
}

// New returns a Dispatcher over the service description and its store.
func New(scpd *description.SCPD, store *state.Store, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Aliases == nil {
		opts.Aliases = DefaultAliases
	}
	return &Dispatcher{
		scpd:     scpd,
		store:    store,
		handlers: map[string]Handler{},
		aliases:  opts.Aliases,
		timeout:  opts.Timeout,
		log:      opts.Logger,
	}
}

// Bind attaches a handler to a declared action.
func (d *Dispatcher) Bind(action string, h Handler) error {
	if _, ok := d.scpd.Action(action); !ok {
		return errors.New("action not declared: " + action)
	}
	d.handlers[action] = h
	return nil
}

// MustBind is Bind for built-in service tables.
func (d *Dispatcher) MustBind(action string, h Handler) {
	if err := d.Bind(action, h); err != nil {
		panic(err)
	}
}

// Actions returns the bound action names.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch validates and runs an action, returning OUT arguments in declared
// order.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, clientTag string, args map[string]string) ([]upnp.Arg, error) {
	decl, ok := d.scpd.Action(action)
	if !ok {
		return nil, upnp.NewError(upnp.CodeInvalidAction)
	}
	handler, ok := d.handlers[action]
	if !ok {
		return nil, upnp.NewError(upnp.CodeInvalidAction)
	}
	args = d.applyAliases(clientTag, action, args)
	if err := d.validate(decl, args); err != nil {
		return nil, err
	}

	call := Call{Action: action, ClientTag: clientTag, Args: args}
	if raw, ok := args[InstanceArg]; ok {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, upnp.NewError(upnp.CodeInvalidInstanceID)
		}
		call.InstanceID = uint32(id)
		if d.store != nil && !d.store.HasInstance(call.InstanceID) {
			return nil, upnp.NewError(upnp.CodeInvalidInstanceID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	result, err := d.invoke(ctx, handler, call)
	if err != nil {
		upnpErr := upnp.AsError(err)
		d.log.Debug("action failed",
			zap.String("action", action),
			zap.Int("code", upnpErr.Code),
			zap.Error(err),
		)
		return nil, upnpErr
	}
	d.log.Debug("action ok", zap.String("action", action), zap.Duration("duration", time.Since(started)))
	return d.outputs(decl, call.InstanceID, result), nil
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, call Call) (Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("action panicked", zap.String("action", call.Action), zap.Any("panic", r))
				done <- outcome{err: upnp.NewError(upnp.CodeActionFailed)}
			}
		}()
		res, err := handler(ctx, call)
		done <- outcome{result: res, err: err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) applyAliases(clientTag string, action string, args map[string]string) map[string]string {
	table := d.aliases[clientTag][action]
	if len(table) == 0 {
		return args
	}
	out := make(map[string]string, len(args))
	for name, value := range args {
		if alias, ok := table[name]; ok {
			name = alias
		}
		out[name] = value
	}
	return out
}

func (d *Dispatcher) validate(decl description.Action, args map[string]string) error {
	inputs := decl.Inputs()
	declared := make(map[string]description.Argument, len(inputs))
	for _, arg := range inputs {
		declared[arg.Name] = arg
		if _, ok := args[arg.Name]; !ok {
			return upnp.NewError(upnp.CodeInvalidArgs)
		}
	}
	for name, value := range args {
		arg, ok := declared[name]
		if !ok {
			return upnp.NewError(upnp.CodeInvalidArgs)
		}
		if d.store == nil || arg.RelatedStateVariable == "" || !d.store.Has(arg.RelatedStateVariable) {
			continue
		}
		if err := d.store.Validate(arg.RelatedStateVariable, value); err != nil {
			return err
		}
	}
	return nil
}

// outputs writes returned standard values to the store, then fills every
// OUT argument the handler left out from the store.
func (d *Dispatcher) outputs(decl description.Action, inst uint32, result Result) []upnp.Arg {
	outs := decl.Outputs()
	if d.store != nil {
		for _, arg := range outs {
			if arg.Internal() {
				continue
			}
			if value, ok := result[arg.Name]; ok {
				d.store.Set(inst, arg.RelatedStateVariable, value)
			}
		}
	}
	args := make([]upnp.Arg, 0, len(outs))
	for _, arg := range outs {
		value, ok := result[arg.Name]
		if !ok && d.store != nil {
			value, _ = d.store.Get(arg.RelatedStateVariable, inst)
		}
		args = append(args, upnp.Arg{Name: arg.Name, Value: value})
	}
	return args
}
