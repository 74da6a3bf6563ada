package state

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Variable is one typed state variable of a service instance.
type Variable struct {
	Name       string
	DataType   string
	SendEvents bool
	Moderated  bool
	Allowed    []string
	Range      *description.AllowedValueRange
	Default    string

	value   string
	updated bool
	touched time.Time
}

func newVariable(def description.StateVariable, moderated bool) *Variable {
	v := &Variable{
		Name:       def.Name,
		DataType:   strings.ToLower(def.DataType),
		SendEvents: def.Evented(),
		Moderated:  moderated,
		Allowed:    append([]string(nil), def.AllowedValues...),
		Range:      def.AllowedValueRange,
		Default:    def.DefaultValue,
	}
	if norm, err := v.normalize(def.DefaultValue); err == nil {
		v.value = norm
	} else {
		v.value = def.DefaultValue
	}
	return v
}

func (v *Variable) clone() *Variable {
	out := *v
	out.Allowed = append([]string(nil), v.Allowed...)
	if v.Range != nil {
		r := *v.Range
		out.Range = &r
	}
	out.updated = false
	return &out
}

// Value returns the current value.
func (v *Variable) Value() string {
	return v.value
}

// Updated reports whether the variable changed since the last flush.
func (v *Variable) Updated() bool {
	return v.updated
}

// Touched returns the time of the last genuine change.
func (v *Variable) Touched() time.Time {
	return v.touched
}

// Internal reports whether the variable only types action arguments.
func (v *Variable) Internal() bool {
	return strings.HasPrefix(v.Name, description.ArgTypePrefix)
}

// normalize coerces value to the canonical representation of the data type
// and checks the allowed values and range.
func (v *Variable) normalize(value string) (string, error) {
	switch v.DataType {
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes":
			return "1", nil
		case "0", "false", "no":
			return "0", nil
		}
		return "", upnp.NewError(upnp.CodeArgumentValueInvalid)
	case "ui1", "ui2", "ui4", "ui8", "i1", "i2", "i4", "i8", "int":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return "", upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		lo, hi := intBounds(v.DataType)
		if n < lo || n > hi {
			return "", upnp.NewError(upnp.CodeArgumentOutOfRange)
		}
		if err := v.checkRange(float64(n)); err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case "r4", "r8", "number", "float", "fixed.14.4":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		if err := v.checkRange(f); err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		if len(v.Allowed) > 0 && !contains(v.Allowed, value) {
			return "", upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
		return value, nil
	}
}

func (v *Variable) checkRange(n float64) error {
	if v.Range == nil {
		return nil
	}
	lo, loErr := strconv.ParseFloat(v.Range.Minimum, 64)
	hi, hiErr := strconv.ParseFloat(v.Range.Maximum, 64)
	if loErr == nil && n < lo {
		return upnp.NewError(upnp.CodeArgumentOutOfRange)
	}
	if hiErr == nil && n > hi {
		return upnp.NewError(upnp.CodeArgumentOutOfRange)
	}
	if step, err := strconv.ParseFloat(v.Range.Step, 64); err == nil && step > 0 && loErr == nil {
		steps := (n - lo) / step
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return upnp.NewError(upnp.CodeArgumentValueInvalid)
		}
	}
	return nil
}

func intBounds(dataType string) (int64, int64) {
	switch dataType {
	case "ui1":
		return 0, math.MaxUint8
	case "ui2":
		return 0, math.MaxUint16
	case "ui4":
		return 0, math.MaxUint32
	case "ui8":
		return 0, math.MaxInt64
	case "i1":
		return math.MinInt8, math.MaxInt8
	case "i2":
		return math.MinInt16, math.MaxInt16
	case "i4", "int":
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
