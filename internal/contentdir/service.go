package contentdir

import (
	"context"
	"strconv"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// ServiceType is the ContentDirectory type served.
var ServiceType = upnp.ServiceURN("ContentDirectory", 1)

// SCPD returns the ContentDirectory:1 service description.
func SCPD() *description.SCPD {
	outs := []description.Argument{
		description.Out("Result", "A_ARG_TYPE_Result"),
		description.Out("NumberReturned", "A_ARG_TYPE_Count"),
		description.Out("TotalMatches", "A_ARG_TYPE_Count"),
		description.Out("UpdateID", "A_ARG_TYPE_UpdateID"),
	}
	browse := append([]description.Argument{
		description.In("ObjectID", "A_ARG_TYPE_ObjectID"),
		description.In("BrowseFlag", "A_ARG_TYPE_BrowseFlag"),
		description.In("Filter", "A_ARG_TYPE_Filter"),
		description.In("StartingIndex", "A_ARG_TYPE_Index"),
		description.In("RequestedCount", "A_ARG_TYPE_Count"),
		description.In("SortCriteria", "A_ARG_TYPE_SortCriteria"),
	}, outs...)
	search := append([]description.Argument{
		description.In("ContainerID", "A_ARG_TYPE_ObjectID"),
		description.In("SearchCriteria", "A_ARG_TYPE_SearchCriteria"),
		description.In("Filter", "A_ARG_TYPE_Filter"),
		description.In("StartingIndex", "A_ARG_TYPE_Index"),
		description.In("RequestedCount", "A_ARG_TYPE_Count"),
		description.In("SortCriteria", "A_ARG_TYPE_SortCriteria"),
	}, outs...)

	return &description.SCPD{
		Actions: []description.Action{
			description.NewAction("GetSearchCapabilities", description.Out("SearchCaps", "SearchCapabilities")),
			description.NewAction("GetSortCapabilities", description.Out("SortCaps", "SortCapabilities")),
			description.NewAction("GetSystemUpdateID", description.Out("Id", "SystemUpdateID")),
			description.NewAction("Browse", browse...),
			description.NewAction("Search", search...),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("SearchCapabilities", "string", description.Default(SearchCapabilities)),
			description.NewVariable("SortCapabilities", "string"),
			description.NewVariable("SystemUpdateID", "ui4", description.Evented(), description.Default("0")),
			description.NewVariable("ContainerUpdateIDs", "string", description.Evented()),
			description.NewVariable("A_ARG_TYPE_ObjectID", "string"),
			description.NewVariable("A_ARG_TYPE_Result", "string"),
			description.NewVariable("A_ARG_TYPE_SearchCriteria", "string"),
			description.NewVariable("A_ARG_TYPE_BrowseFlag", "string", description.Allowed(BrowseMetadata, BrowseDirectChildren)),
			description.NewVariable("A_ARG_TYPE_Filter", "string"),
			description.NewVariable("A_ARG_TYPE_SortCriteria", "string"),
			description.NewVariable("A_ARG_TYPE_Index", "ui4"),
			description.NewVariable("A_ARG_TYPE_Count", "ui4"),
			description.NewVariable("A_ARG_TYPE_UpdateID", "ui4"),
		},
	}
}

// Bind attaches the engine to a ContentDirectory dispatcher and its
// variable store.
func (e *Engine) Bind(d *dispatch.Dispatcher, vars *state.Store) {
	e.attach(vars)
	d.MustBind("GetSearchCapabilities", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return dispatch.Result{"SearchCaps": e.SearchCapabilities()}, nil
	})
	d.MustBind("GetSortCapabilities", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return dispatch.Result{"SortCaps": e.SortCapabilities()}, nil
	})
	d.MustBind("GetSystemUpdateID", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return dispatch.Result{"Id": strconv.FormatUint(uint64(e.SystemUpdateID()), 10)}, nil
	})
	d.MustBind("Browse", func(ctx context.Context, call dispatch.Call) (dispatch.Result, error) {
		start, count := window(call)
		res, err := e.Browse(ctx, call.Arg("ObjectID"), call.Arg("BrowseFlag"), call.Arg("Filter"), start, count)
		if err != nil {
			return nil, err
		}
		return resultArgs(res), nil
	})
	d.MustBind("Search", func(ctx context.Context, call dispatch.Call) (dispatch.Result, error) {
		start, count := window(call)
		res, err := e.Search(ctx, call.Arg("ContainerID"), call.Arg("SearchCriteria"), call.Arg("Filter"), start, count, call.ClientTag)
		if err != nil {
			return nil, err
		}
		return resultArgs(res), nil
	})
}

func window(call dispatch.Call) (int, int) {
	start, _ := strconv.Atoi(call.Arg("StartingIndex"))
	count, _ := strconv.Atoi(call.Arg("RequestedCount"))
	return start, count
}

func resultArgs(res Result) dispatch.Result {
	return dispatch.Result{
		"Result":         res.Result,
		"NumberReturned": strconv.Itoa(res.NumberReturned),
		"TotalMatches":   strconv.Itoa(res.TotalMatches),
		"UpdateID":       strconv.FormatUint(uint64(res.UpdateID), 10),
	}
}
