// Package description holds the device and service description documents
// served to control points and parsed back by them.
package description

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// XML namespaces of description documents.
const (
	ServiceNamespace = "urn:schemas-upnp-org:service-1-0"
	DeviceNamespace  = "urn:schemas-upnp-org:device-1-0"
)

// Prefix of state variables that only type action arguments.
const ArgTypePrefix = "A_ARG_TYPE_"

// SCPD is a service description document.
type SCPD struct {
	XMLName        xml.Name        `xml:"urn:schemas-upnp-org:service-1-0 scpd"`
	SpecVersion    SpecVersion     `xml:"specVersion"`
	Actions        []Action        `xml:"actionList>action"`
	StateVariables []StateVariable `xml:"serviceStateTable>stateVariable"`
}

// SpecVersion is the UPnP architecture version.
type SpecVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

// Action declares one control action.
type Action struct {
	Name      string     `xml:"name"`
	Arguments []Argument `xml:"argumentList>argument,omitempty"`
}

// Argument is an action argument typed by a related state variable.
type Argument struct {
	Name                 string `xml:"name"`
	Direction            string `xml:"direction"`
	RelatedStateVariable string `xml:"relatedStateVariable"`
}

// StateVariable declares a service state variable.
type StateVariable struct {
	SendEvents        string             `xml:"sendEvents,attr"`
	Name              string             `xml:"name"`
	DataType          string             `xml:"dataType"`
	DefaultValue      string             `xml:"defaultValue,omitempty"`
	AllowedValues     []string           `xml:"allowedValueList>allowedValue,omitempty"`
	AllowedValueRange *AllowedValueRange `xml:"allowedValueRange,omitempty"`
}

// AllowedValueRange bounds numeric variables.
type AllowedValueRange struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

// Evented reports whether the variable sends events.
func (v StateVariable) Evented() bool {
	return strings.EqualFold(strings.TrimSpace(v.SendEvents), "yes")
}

// IsInput reports whether the argument is an IN argument.
func (a Argument) IsInput() bool {
	return strings.EqualFold(a.Direction, "in")
}

// IsOutput reports whether the argument is an OUT argument.
func (a Argument) IsOutput() bool {
	return strings.EqualFold(a.Direction, "out")
}

// Internal reports whether the related variable only types the argument.
func (a Argument) Internal() bool {
	return strings.HasPrefix(a.RelatedStateVariable, ArgTypePrefix)
}

// Inputs returns the IN arguments in declared order.
func (a Action) Inputs() []Argument {
	out := []Argument{}
	for _, arg := range a.Arguments {
		if arg.IsInput() {
			out = append(out, arg)
		}
	}
	return out
}

// Outputs returns the OUT arguments in declared order.
func (a Action) Outputs() []Argument {
	out := []Argument{}
	for _, arg := range a.Arguments {
		if arg.IsOutput() {
			out = append(out, arg)
		}
	}
	return out
}

// Argument returns the named argument.
func (a Action) Argument(name string) (Argument, bool) {
	for _, arg := range a.Arguments {
		if arg.Name == name {
			return arg, true
		}
	}
	return Argument{}, false
}

// Action returns the named action.
func (s *SCPD) Action(name string) (Action, bool) {
	for _, action := range s.Actions {
		if action.Name == name {
			return action, true
		}
	}
	return Action{}, false
}

// StateVariable returns the named variable.
func (s *SCPD) StateVariable(name string) (StateVariable, bool) {
	for _, v := range s.StateVariables {
		if v.Name == name {
			return v, true
		}
	}
	return StateVariable{}, false
}

// Clean trims stray whitespace common in third-party documents.
func (s *SCPD) Clean() {
	for i := range s.Actions {
		a := &s.Actions[i]
		a.Name = strings.TrimSpace(a.Name)
		for j := range a.Arguments {
			arg := &a.Arguments[j]
			arg.Name = strings.TrimSpace(arg.Name)
			arg.Direction = strings.TrimSpace(arg.Direction)
			arg.RelatedStateVariable = strings.TrimSpace(arg.RelatedStateVariable)
		}
	}
	for i := range s.StateVariables {
		v := &s.StateVariables[i]
		v.Name = strings.TrimSpace(v.Name)
		v.DataType = strings.TrimSpace(v.DataType)
		v.DefaultValue = strings.TrimSpace(v.DefaultValue)
		for j := range v.AllowedValues {
			v.AllowedValues[j] = strings.TrimSpace(v.AllowedValues[j])
		}
	}
}

// Marshal renders the document with an XML declaration.
func (s *SCPD) Marshal() ([]byte, error) {
	if s.SpecVersion.Major == 0 {
		s.SpecVersion = SpecVersion{Major: 1, Minor: 0}
	}
	return marshalDocument(s)
}

// ParseSCPD decodes a service description.
func ParseSCPD(data []byte) (*SCPD, error) {
	var scpd SCPD
	if err := xml.Unmarshal(data, &scpd); err != nil {
		return nil, err
	}
	scpd.Clean()
	return &scpd, nil
}

func marshalDocument(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Builders used by the built-in service definitions.

// NewAction declares an action.
func NewAction(name string, args ...Argument) Action {
	return Action{Name: name, Arguments: args}
}

// In declares an IN argument.
func In(name string, related string) Argument {
	return Argument{Name: name, Direction: "in", RelatedStateVariable: related}
}

// Out declares an OUT argument.
func Out(name string, related string) Argument {
	return Argument{Name: name, Direction: "out", RelatedStateVariable: related}
}

// VarOption customises a state variable declaration.
type VarOption func(*StateVariable)

// Evented marks the variable as sending events.
func Evented() VarOption {
	return func(v *StateVariable) { v.SendEvents = "yes" }
}

// Default sets the default value.
func Default(value string) VarOption {
	return func(v *StateVariable) { v.DefaultValue = value }
}

// Allowed restricts the variable to a value list.
func Allowed(values ...string) VarOption {
	return func(v *StateVariable) { v.AllowedValues = append([]string(nil), values...) }
}

// Range bounds a numeric variable.
func Range(minimum string, maximum string, step string) VarOption {
	return func(v *StateVariable) {
		v.AllowedValueRange = &AllowedValueRange{Minimum: minimum, Maximum: maximum, Step: step}
	}
}

// NewVariable declares a state variable. Variables do not send events unless
// Evented is given.
func NewVariable(name string, dataType string, opts ...VarOption) StateVariable {
	v := StateVariable{Name: name, DataType: dataType, SendEvents: "no"}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}
