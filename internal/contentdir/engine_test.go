package contentdir

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/mupnp/internal/backend"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

func library(t *testing.T, n int) (*Store, string) {
	t.Helper()
	store := NewStore("root", nil)
	music, err := store.AddContainer(RootID, didl.NewContainer("music", "", "Music", ""))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		obj := track(fmt.Sprintf("song %d", i))
		obj.Artist = "Band"
		if i%2 == 0 {
			obj.Artist = "Other"
		}
		_, err := store.AddItem(music, obj)
		require.NoError(t, err)
	}
	return store, music
}

func TestBrowseSlicing(t *testing.T) {
	store, music := library(t, 5)
	engine := NewEngine(store, Options{})
	ctx := context.Background()

	cases := []struct{ start, count, want int }{
		{0, 0, 5},
		{1, 2, 2},
		{3, 10, 2},
		{5, 1, 0},
		{2, 0, 3},
	}
	for _, tc := range cases {
		res, err := engine.Browse(ctx, music, BrowseDirectChildren, "*", tc.start, tc.count)
		require.NoError(t, err)
		require.Equal(t, tc.want, res.NumberReturned, "start=%d count=%d", tc.start, tc.count)
		require.Equal(t, 5, res.TotalMatches)
		require.Equal(t, uint32(5), res.UpdateID)
		doc, err := didl.Unmarshal([]byte(res.Result))
		require.NoError(t, err)
		require.Len(t, doc.Objects, tc.want)
	}
}

func TestBrowseMetadataAndErrors(t *testing.T) {
	store, music := library(t, 2)
	engine := NewEngine(store, Options{})
	ctx := context.Background()

	res, err := engine.Browse(ctx, music, BrowseMetadata, "*", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalMatches)
	require.Equal(t, 1, res.NumberReturned)
	require.Equal(t, 2, res.Objects[0].ChildCount)
	require.Contains(t, res.Result, `childCount="2"`)

	_, err = engine.Browse(ctx, "nope", BrowseMetadata, "", 0, 0)
	require.True(t, upnp.IsCode(err, upnp.CodeNoSuchObject))

	_, err = engine.Browse(ctx, music, "Sideways", "", 0, 0)
	require.True(t, upnp.IsCode(err, upnp.CodeArgumentValueInvalid))

	snap, err := store.Children(ctx, music, 0, 1)
	require.NoError(t, err)
	res, err = engine.Browse(ctx, snap.Objects[0].ID, BrowseDirectChildren, "", 0, 0)
	require.NoError(t, err)
	require.Zero(t, res.TotalMatches)
	require.Zero(t, res.NumberReturned)
}

func TestSearch(t *testing.T) {
	store, _ := library(t, 6)
	engine := NewEngine(store, Options{})
	ctx := context.Background()

	res, err := engine.Search(ctx, RootID, `upnp:class derivedfrom "object.item.audioItem" and upnp:artist = "band"`, "*", 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalMatches)

	res, err = engine.Search(ctx, RootID, `upnp:class = "object.container"`, "*", 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalMatches)

	res, err = engine.Search(ctx, RootID, `dc:title contains "song" and upnp:artist = "Nobody"`, "*", 0, 0, "XBox")
	require.NoError(t, err)
	require.Equal(t, 6, res.TotalMatches, "flattened search ignores criteria")

	res, err = engine.Search(ctx, RootID, "*", "*", 2, 3, "")
	require.NoError(t, err)
	require.Equal(t, 7, res.TotalMatches)
	require.Equal(t, 3, res.NumberReturned)

	_, err = engine.Search(ctx, RootID, `dc:title ~ "x"`, "*", 0, 0, "")
	require.True(t, upnp.IsCode(err, upnp.CodeInvalidSearchCriteria))

	_, err = engine.Search(ctx, "missing", "*", "*", 0, 0, "")
	require.True(t, upnp.IsCode(err, upnp.CodeNoSuchContainer))
}

func TestCriteriaParsing(t *testing.T) {
	obj := track("Hello World")
	obj.ID = "42"
	obj.TrackNumber = 7

	cases := []struct {
		input string
		want  bool
	}{
		{`*`, true},
		{`dc:title = "hello world"`, true},
		{`dc:title != "Hello World"`, false},
		{`dc:title contains "WORLD"`, true},
		{`dc:title doesNotContain "world"`, false},
		{`upnp:originalTrackNumber >= "7"`, true},
		{`upnp:originalTrackNumber < "10"`, true},
		{`upnp:originalTrackNumber > "10"`, false},
		{`upnp:album exists false`, true},
		{`upnp:album exists true`, false},
		{`res@protocolInfo contains "audio/mpeg"`, true},
		{`@id = "42" and (dc:title = "x" or @id = "42")`, true},
		{`@id = "1" or @id = "2" and @id = "42"`, false},
		{`dc:title = "say \"hi\""`, false},
	}
	for _, tc := range cases {
		crit, err := ParseCriteria(tc.input)
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.want, crit.Match(obj), tc.input)
	}

	for _, bad := range []string{`dc:title`, `dc:title =`, `dc:title = unquoted`, `(dc:title = "x"`, `dc:title = "x" and`, `dc:title exists maybe`, `"x" = dc:title`, `dc:title = "open`} {
		_, err := ParseCriteria(bad)
		require.Error(t, err, bad)
		require.True(t, upnp.IsCode(err, upnp.CodeInvalidSearchCriteria), bad)
	}
}

func TestServiceBindingAndEvents(t *testing.T) {
	store, music := library(t, 3)
	engine := NewEngine(store, Options{})
	scpd := SCPD()
	vars := state.NewStore(ServiceType.String(), scpd.StateVariables)
	disp := dispatch.New(scpd, vars, dispatch.Options{})
	engine.Bind(disp, vars)
	ctx := context.Background()

	out, err := disp.Dispatch(ctx, "Browse", "XBox", map[string]string{
		"ContainerID":    music,
		"BrowseFlag":     BrowseDirectChildren,
		"Filter":         "*",
		"StartingIndex":  "0",
		"RequestedCount": "2",
		"SortCriteria":   "",
	})
	require.NoError(t, err)
	args := upnp.Args(out)
	require.Equal(t, "2", args["NumberReturned"])
	require.Equal(t, "3", args["TotalMatches"])
	require.True(t, strings.HasPrefix(args["Result"], "<DIDL-Lite"))

	_, err = disp.Dispatch(ctx, "Browse", "", map[string]string{
		"ObjectID": music, "BrowseFlag": "Bogus", "Filter": "", "StartingIndex": "0", "RequestedCount": "0", "SortCriteria": "",
	})
	require.True(t, upnp.IsCode(err, upnp.CodeArgumentValueInvalid))

	out, err = disp.Dispatch(ctx, "GetSystemUpdateID", "", map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "4", upnp.Args(out)["Id"])

	// Changes accumulate into one moderated batch, then reset.
	_, err = store.AddItem(music, track("new"))
	require.NoError(t, err)
	_, err = store.AddItem(RootID, track("top"))
	require.NoError(t, err)
	changes := vars.Flush()
	values := map[string]string{}
	for _, c := range changes {
		values[c.Name] = c.Value
	}
	require.Equal(t, "6", values["SystemUpdateID"])
	require.Equal(t, "music,4,0,2", values["ContainerUpdateIDs"])

	_, err = store.AddItem(music, track("later"))
	require.NoError(t, err)
	changes = vars.Flush()
	values = map[string]string{}
	for _, c := range changes {
		values[c.Name] = c.Value
	}
	require.Equal(t, "music,5", values["ContainerUpdateIDs"])

	out, err = disp.Dispatch(ctx, "GetSearchCapabilities", "", map[string]string{})
	require.NoError(t, err)
	require.Equal(t, SearchCapabilities, upnp.Args(out)["SearchCaps"])
}

func TestContainerUpdateDuringFlushStaysPending(t *testing.T) {
	store, music := library(t, 1)
	engine := NewEngine(store, Options{})
	scpd := SCPD()
	vars := state.NewStore(ServiceType.String(), scpd.StateVariables)
	late := false
	vars.AfterFlush(func([]state.Change) {
		if !late {
			late = true
			engine.ContainerChanged("late", 9, 99)
		}
	})
	engine.Bind(dispatch.New(scpd, vars, dispatch.Options{}), vars)

	_, err := store.AddItem(music, track("new"))
	require.NoError(t, err)
	first := map[string]string{}
	for _, c := range vars.Flush() {
		first[c.Name] = c.Value
	}
	require.NotContains(t, first["ContainerUpdateIDs"], "late")

	second := map[string]string{}
	for _, c := range vars.Flush() {
		second[c.Name] = c.Value
	}
	require.Equal(t, "late,9", second["ContainerUpdateIDs"])
	require.Equal(t, "99", second["SystemUpdateID"])

	require.Empty(t, vars.Flush())
}

type staticObject struct {
	obj      didl.Object
	children []backend.Object
}

func (o staticObject) ID() string              { return o.obj.ID }
func (o staticObject) ParentID() string        { return o.obj.ParentID }
func (o staticObject) Descriptor() didl.Object { return o.obj }

type staticContainer struct{ staticObject }

func (c staticContainer) Children(_ context.Context, start int, count int) *backend.Future[[]backend.Object] {
	start = min(start, len(c.children))
	end := len(c.children)
	if count > 0 {
		end = min(start+count, end)
	}
	return backend.Resolved(c.children[start:end])
}

func (c staticContainer) ChildCount(context.Context) *backend.Future[int] {
	return backend.Resolved(len(c.children))
}

type mapSource map[string]backend.Object

func (m mapSource) Init(context.Context) *backend.Future[struct{}] {
	return backend.Resolved(struct{}{})
}

func (m mapSource) GetByID(_ context.Context, id string) *backend.Future[backend.Object] {
	return backend.Resolved(m[id])
}

func TestBrowseLinkedContainerFromPlainSource(t *testing.T) {
	a := staticObject{obj: didl.NewItem("a", "album", "A", didl.ClassMusicTrack)}
	b := staticObject{obj: didl.NewItem("b", "album", "B", didl.ClassMusicTrack)}
	album := staticContainer{staticObject{obj: didl.NewContainer("album", "0", "Album", didl.ClassMusicAlbum), children: []backend.Object{a, b}}}
	engine := NewEngine(mapSource{"album": album, "a": a, "b": b}, Options{})
	ctx := context.Background()

	res, err := engine.Browse(ctx, JoinID("album", "favourites"), BrowseDirectChildren, "*", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalMatches)
	require.Len(t, res.Objects, 2)
	require.Equal(t, "a", res.Objects[0].ID)

	res, err = engine.Browse(ctx, JoinID("album", "favourites"), BrowseMetadata, "*", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	require.Equal(t, "album@favourites", res.Objects[0].ID)
	require.Equal(t, "favourites", res.Objects[0].ParentID)
	require.Equal(t, 2, res.Objects[0].ChildCount)
}
