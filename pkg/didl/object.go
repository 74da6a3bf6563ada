// Package didl implements the DIDL-Lite content model used by ContentDirectory.
package didl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Content classes.
const (
	ClassItem              = "object.item"
	ClassAudioItem         = "object.item.audioItem"
	ClassMusicTrack        = "object.item.audioItem.musicTrack"
	ClassAudioBroadcast    = "object.item.audioItem.audioBroadcast"
	ClassVideoItem         = "object.item.videoItem"
	ClassMovie             = "object.item.videoItem.movie"
	ClassImageItem         = "object.item.imageItem"
	ClassPhoto             = "object.item.imageItem.photo"
	ClassContainer         = "object.container"
	ClassStorageFolder     = "object.container.storageFolder"
	ClassMusicAlbum        = "object.container.album.musicAlbum"
	ClassMusicArtist       = "object.container.person.musicArtist"
	ClassMusicGenre        = "object.container.genre.musicGenre"
	ClassPlaylistContainer = "object.container.playlistContainer"
)

// IsContainerClass reports whether class names a container.
func IsContainerClass(class string) bool {
	return DerivedFrom(class, ClassContainer)
}

// DerivedFrom reports whether class equals base or is a subclass of it.
func DerivedFrom(class string, base string) bool {
	class = strings.TrimSpace(class)
	base = strings.TrimSpace(base)
	return class == base || strings.HasPrefix(class, base+".")
}

// AlbumArt is an upnp:albumArtURI with its optional DLNA profile.
type AlbumArt struct {
	URI       string
	ProfileID string
}

// Resource is one playable locator for an item.
type Resource struct {
	URL             string
	ProtocolInfo    string
	Size            int64
	Duration        string
	Bitrate         int64
	Resolution      string
	SampleFrequency int64
	NrAudioChannels int
}

// Priority ranks the resource by transport. Lower is better.
func (r Resource) Priority() int {
	pi, err := upnp.ParseProtocolInfo(r.ProtocolInfo)
	if err != nil {
		return 3
	}
	return pi.Priority()
}

// Object is a DIDL-Lite item or container.
type Object struct {
	ID          string
	ParentID    string
	RefID       string
	Restricted  bool
	Searchable  bool
	ChildCount  int
	Title       string
	Creator     string
	Date        string
	Description string
	Class       string
	Artist      string
	Album       string
	Genre       string
	TrackNumber int
	AlbumArt    []AlbumArt
	Subtitle    string
	Resources   []Resource
}

// NewItem returns an item object.
func NewItem(id string, parentID string, title string, class string) Object {
	if class == "" {
		class = ClassItem
	}
	return Object{ID: id, ParentID: parentID, Title: title, Class: class, Restricted: true}
}

// NewContainer returns a container object.
func NewContainer(id string, parentID string, title string, class string) Object {
	if class == "" {
		class = ClassContainer
	}
	return Object{ID: id, ParentID: parentID, Title: title, Class: class, Restricted: true, Searchable: true}
}

// IsContainer reports whether the object serializes as a container.
func (o Object) IsContainer() bool {
	return IsContainerClass(o.Class)
}

// AddResource appends r and keeps resources in priority order.
func (o *Object) AddResource(r Resource) {
	o.Resources = append(o.Resources, r)
	SortResources(o.Resources)
}

// SortResources stable-sorts resources: http-get first, streaming second,
// everything else last.
func SortResources(resources []Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Priority() < resources[j].Priority()
	})
}

// BestResource returns the first resource a sink accepts, or the first
// resource when sinks is empty.
func (o Object) BestResource(sinks []upnp.ProtocolInfo) (Resource, bool) {
	if len(o.Resources) == 0 {
		return Resource{}, false
	}
	if len(sinks) == 0 {
		return o.Resources[0], true
	}
	for _, res := range o.Resources {
		pi, err := upnp.ParseProtocolInfo(res.ProtocolInfo)
		if err != nil {
			continue
		}
		for _, sink := range sinks {
			if sink.Match(pi) {
				return res, true
			}
		}
	}
	return Resource{}, false
}

// Clone returns a deep copy.
func (o Object) Clone() Object {
	out := o
	out.AlbumArt = append([]AlbumArt(nil), o.AlbumArt...)
	out.Resources = append([]Resource(nil), o.Resources...)
	return out
}

// FormatDuration renders d as H:MM:SS.mmm.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// ParseDuration parses H+:MM:SS[.F+] durations used by res@duration.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	h, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	m, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	return total + time.Duration(sec*float64(time.Second)), nil
}
