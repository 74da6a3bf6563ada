package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/mupnp/internal/core"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

// HumanPrinter prints human-readable output.
type HumanPrinter struct {
	Out io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	switch data := v.(type) {
	case core.DevicesResult:
		return printDevices(out, data)
	case core.DescribeResult:
		return printDescribe(out, data)
	case core.ObjectsResult:
		return printObjects(out, data)
	case core.CallResult:
		return printCall(out, data)
	case core.EventResult:
		return printEvent(out, data)
	default:
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
}

func table(out io.Writer, data pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(out).Render()
}

func printDevices(out io.Writer, result core.DevicesResult) error {
	if len(result.Devices) == 0 {
		_, err := fmt.Fprintln(out, "no devices found")
		return err
	}
	data := pterm.TableData{{"NAME", "TYPE", "UDN", "LOCATION"}}
	for _, dev := range result.Devices {
		data = append(data, []string{dev.FriendlyName, shortType(dev.Type), dev.UDN, dev.Location})
	}
	return table(out, data)
}

func printDescribe(out io.Writer, result core.DescribeResult) error {
	dev := result.Device
	if _, err := fmt.Fprintf(out, "%s (%s)\n%s\n", dev.FriendlyName, shortType(dev.Type), dev.UDN); err != nil {
		return err
	}
	if dev.Manufacturer != "" || dev.ModelName != "" {
		if _, err := fmt.Fprintf(out, "%s %s\n", dev.Manufacturer, dev.ModelName); err != nil {
			return err
		}
	}
	for _, svc := range result.Services {
		status := ""
		if !svc.Ready {
			status = " [not ready: " + svc.Error + "]"
		}
		if _, err := fmt.Fprintf(out, "\n%s%s\n", svc.Type, status); err != nil {
			return err
		}
		for _, action := range svc.Actions {
			line := fmt.Sprintf("  %s(%s)", action.Name, strings.Join(action.In, ", "))
			if len(action.Out) > 0 {
				line += " -> " + strings.Join(action.Out, ", ")
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
		if len(svc.Evented) > 0 {
			if _, err := fmt.Fprintf(out, "  evented: %s\n", strings.Join(svc.Evented, ", ")); err != nil {
				return err
			}
		}
	}
	return nil
}

func printObjects(out io.Writer, result core.ObjectsResult) error {
	data := pterm.TableData{{"ID", "TITLE", "CLASS", "INFO"}}
	for _, obj := range result.Objects {
		data = append(data, []string{obj.ID, obj.Title, shortClass(obj.Class), objectInfo(obj)})
	}
	if err := table(out, data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d of %d (update %d)\n", result.NumberReturned, result.TotalMatches, result.UpdateID)
	return err
}

func printCall(out io.Writer, result core.CallResult) error {
	if len(result.Out) == 0 {
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
	data := pterm.TableData{{"ARGUMENT", "VALUE"}}
	for _, name := range sortedKeys(result.Out) {
		data = append(data, []string{name, result.Out[name]})
	}
	return table(out, data)
}

func printEvent(out io.Writer, result core.EventResult) error {
	if _, err := fmt.Fprintf(out, "event %s seq %d\n", result.SID, result.Seq); err != nil {
		return err
	}
	for _, name := range sortedKeys(result.Properties) {
		if len(result.Instances) > 0 && name == "LastChange" {
			continue
		}
		if _, err := fmt.Fprintf(out, "  %s = %s\n", name, result.Properties[name]); err != nil {
			return err
		}
	}
	ids := make([]uint32, 0, len(result.Instances))
	for id := range result.Instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		vars := result.Instances[id]
		for _, name := range sortedKeys(vars) {
			if _, err := fmt.Fprintf(out, "  [%d] %s = %s\n", id, name, vars[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func objectInfo(obj didl.Object) string {
	if obj.IsContainer() {
		return strconv.Itoa(obj.ChildCount) + " children"
	}
	parts := []string{}
	if obj.Artist != "" {
		parts = append(parts, obj.Artist)
	}
	if len(obj.Resources) > 0 && obj.Resources[0].Duration != "" {
		parts = append(parts, obj.Resources[0].Duration)
	}
	return strings.Join(parts, " ")
}

// shortType turns urn:schemas-upnp-org:device:MediaServer:1 into
// MediaServer:1.
func shortType(urn string) string {
	parts := strings.Split(urn, ":")
	if len(parts) < 2 {
		return urn
	}
	return strings.Join(parts[len(parts)-2:], ":")
}

func shortClass(class string) string {
	return strings.TrimPrefix(class, "object.")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
