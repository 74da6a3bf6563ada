package didl

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleObjects() []Object {
	album := NewContainer("10", "0", "Kind of Blue", ClassMusicAlbum)
	album.ChildCount = 2
	album.Artist = "Miles Davis"
	album.AlbumArt = []AlbumArt{{URI: "http://host/art/10.jpg", ProfileID: "JPEG_TN"}}

	track := NewItem("11", "10", "So What & More", ClassMusicTrack)
	track.Artist = "Miles Davis"
	track.Album = "Kind of Blue"
	track.TrackNumber = 1
	track.AddResource(Resource{URL: "rtsp://host/11", ProtocolInfo: "rtsp-rtp-udp:*:audio/mpeg:*"})
	track.AddResource(Resource{URL: "http://host/11.mp3?a=1&b=2", ProtocolInfo: "http-get:*:audio/mpeg:DLNA.ORG_PN=MP3", Size: 1024, Duration: "0:09:22.000"})

	ref := NewItem("12", "10", "Freddie Freeloader", ClassMusicTrack)
	ref.RefID = "99"
	ref.Subtitle = "http://host/12.srt"
	return []Object{album, track, ref}
}

func TestRoundTrip(t *testing.T) {
	first, err := Marshal(sampleObjects(), All)
	require.NoError(t, err)

	doc, err := Unmarshal(first)
	require.NoError(t, err)
	require.Len(t, doc.Objects, 3)

	second, err := Marshal(doc.Objects, All)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))

	require.Len(t, doc.Containers(), 1)
	require.Len(t, doc.Items(), 2)
	require.Equal(t, "99", doc.Objects[2].RefID)
	require.Equal(t, "JPEG_TN", doc.Objects[0].AlbumArt[0].ProfileID)
}

func TestRoundTripKeepsSurroundingWhitespace(t *testing.T) {
	track := NewItem("21", "20", "  spaced\ttitle\r\n", ClassMusicTrack)
	track.Creator = " Anon "
	track.Artist = "\tBand"
	track.Album = "Live "
	track.Genre = " jazz"
	track.Description = "\nnotes\n"
	track.AddResource(Resource{URL: " http://host/21.mp3", ProtocolInfo: "http-get:*:audio/mpeg:*"})

	first, err := Marshal([]Object{track}, All)
	require.NoError(t, err)
	doc, err := Unmarshal(first)
	require.NoError(t, err)
	require.Len(t, doc.Objects, 1)

	got := doc.Objects[0]
	require.Equal(t, track.Title, got.Title)
	require.Equal(t, track.Creator, got.Creator)
	require.Equal(t, track.Artist, got.Artist)
	require.Equal(t, track.Album, got.Album)
	require.Equal(t, track.Genre, got.Genre)
	require.Equal(t, track.Description, got.Description)
	require.Equal(t, track.Resources[0].URL, got.Resources[0].URL)

	second, err := Marshal(doc.Objects, All)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestResourcesSortedByPriority(t *testing.T) {
	track := sampleObjects()[1]
	require.Equal(t, "http://host/11.mp3?a=1&b=2", track.Resources[0].URL)
	require.Equal(t, "rtsp://host/11", track.Resources[1].URL)

	track.AddResource(Resource{URL: "file:///x", ProtocolInfo: "internal:host:audio/mpeg:*"})
	track.AddResource(Resource{URL: "http://host/11.flac", ProtocolInfo: "http-get:*:audio/flac:*"})
	require.Equal(t, "http-get", strings.SplitN(track.Resources[1].ProtocolInfo, ":", 2)[0])
	require.Equal(t, "file:///x", track.Resources[3].URL)
}

func TestNamespacesAndEscaping(t *testing.T) {
	out, err := Marshal(sampleObjects()[1:2], All)
	require.NoError(t, err)
	s := string(out)
	for _, ns := range []string{`xmlns:dc=`, `xmlns:upnp=`, `xmlns:dlna=`, `xmlns:pv=`} {
		require.Contains(t, s, ns)
	}
	require.Contains(t, s, `<dc:title>So What &amp; More</dc:title>`)
	require.Contains(t, s, `<item id="11" parentID="10" restricted="1">`)
	require.Contains(t, s, `<upnp:class>object.item.audioItem.musicTrack</upnp:class>`)
}

func TestFilter(t *testing.T) {
	out, err := Marshal(sampleObjects()[1:2], ParseFilter("upnp:artist,res@duration"))
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, "<upnp:artist>")
	require.NotContains(t, s, "<upnp:album>")
	require.Contains(t, s, `duration="0:09:22.000"`)
	require.NotContains(t, s, `size="1024"`)

	out, err = Marshal(sampleObjects()[1:2], ParseFilter("dc:title"))
	require.NoError(t, err)
	require.NotContains(t, string(out), "<res")
}

func TestBestResource(t *testing.T) {
	track := sampleObjects()[1]
	res, ok := track.BestResource(nil)
	require.True(t, ok)
	require.Equal(t, "http://host/11.mp3?a=1&b=2", res.URL)

	_, ok = track.BestResource(mustSinks("http-get:*:audio/flac:*"))
	require.False(t, ok)
}

func TestDurations(t *testing.T) {
	require.Equal(t, "1:02:03.400", FormatDuration(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
	d, err := ParseDuration("0:09:22.5")
	require.NoError(t, err)
	require.Equal(t, 9*time.Minute+22*time.Second+500*time.Millisecond, d)
	_, err = ParseDuration("bogus")
	require.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Unmarshal([]byte(`<foo/>`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`<DIDL-Lite`))
	require.Error(t, err)
}

func TestClasses(t *testing.T) {
	require.True(t, IsContainerClass(ClassMusicAlbum))
	require.False(t, IsContainerClass(ClassMusicTrack))
	require.True(t, DerivedFrom(ClassMusicTrack, ClassAudioItem))
	require.False(t, DerivedFrom("object.itemx", ClassItem))
}
