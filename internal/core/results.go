package core

import (
	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

// DeviceSummary is one described device.
type DeviceSummary struct {
	UDN          string `json:"udn"`
	Type         string `json:"type"`
	FriendlyName string `json:"friendlyName"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ModelName    string `json:"modelName,omitempty"`
	Location     string `json:"location"`
}

// DevicesResult holds discovered devices.
type DevicesResult struct {
	Devices []DeviceSummary `json:"devices"`
}

// ActionSummary lists an action's arguments.
type ActionSummary struct {
	Name string   `json:"name"`
	In   []string `json:"in,omitempty"`
	Out  []string `json:"out,omitempty"`
}

// ServiceSummary describes one service of a device.
type ServiceSummary struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	ControlURL string          `json:"controlURL"`
	EventURL   string          `json:"eventSubURL,omitempty"`
	Ready      bool            `json:"ready"`
	Error      string          `json:"error,omitempty"`
	Actions    []ActionSummary `json:"actions,omitempty"`
	Evented    []string        `json:"evented,omitempty"`
}

// DescribeResult holds a device with its services.
type DescribeResult struct {
	Device   DeviceSummary    `json:"device"`
	Services []ServiceSummary `json:"services"`
}

// ObjectsResult holds a Browse or Search page.
type ObjectsResult struct {
	Device         string        `json:"device"`
	NumberReturned int           `json:"numberReturned"`
	TotalMatches   int           `json:"totalMatches"`
	UpdateID       uint32        `json:"updateID"`
	Objects        []didl.Object `json:"objects"`
}

// CallResult holds the OUT arguments of an action.
type CallResult struct {
	Action string            `json:"action"`
	Out    map[string]string `json:"out"`
}

// EventResult is one received event.
type EventResult struct {
	SID        string                       `json:"sid"`
	Seq        uint32                       `json:"seq"`
	Properties map[string]string            `json:"properties"`
	Instances  map[uint32]map[string]string `json:"instances,omitempty"`
}

func summarizeDevice(dev *controlpoint.Device) DeviceSummary {
	return DeviceSummary{
		UDN:          dev.UDN,
		Type:         dev.Type,
		FriendlyName: dev.FriendlyName,
		Manufacturer: dev.Manufacturer,
		ModelName:    dev.ModelName,
		Location:     dev.Location,
	}
}

func summarizeService(svc *controlpoint.Service) ServiceSummary {
	out := ServiceSummary{
		Type:       svc.Type,
		ID:         svc.ID,
		ControlURL: svc.ControlURL,
		EventURL:   svc.EventSubURL,
		Ready:      svc.Ready,
	}
	if svc.Err != nil {
		out.Error = svc.Err.Error()
	}
	if svc.SCPD == nil {
		return out
	}
	for _, action := range svc.SCPD.Actions {
		summary := ActionSummary{Name: action.Name}
		for _, arg := range action.Inputs() {
			summary.In = append(summary.In, arg.Name)
		}
		for _, arg := range action.Outputs() {
			summary.Out = append(summary.Out, arg.Name)
		}
		out.Actions = append(out.Actions, summary)
	}
	for _, v := range svc.SCPD.StateVariables {
		if v.Evented() {
			out.Evented = append(out.Evented, v.Name)
		}
	}
	return out
}
