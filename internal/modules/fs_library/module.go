package fslibrary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dhowden/tag"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// MediaPath is where indexed files are served.
const MediaPath = "/media/fs/"

// Config configures the filesystem library module.
type Config struct {
	Name         string
	Roots        []string
	IncludeExts  []string
	IndexMode    string
	IndexPath    string
	ScanInterval time.Duration
	// BaseURL is the HTTP base that MediaPath is reachable under.
	BaseURL string
}

// Module crawls media roots into a ContentDirectory tree: Artists, then
// albums, then tracks, plus a flat Tracks view and a Videos folder.
type Module struct {
	log    *zap.Logger
	store  *contentdir.Store
	config Config

	mu    sync.RWMutex
	index *libraryIndex
	// content key -> store id
	ids map[string]string

	top     string
	artists string
	tracks  string
	videos  string
}

type libraryIndex struct {
	Items map[string]mediaItem `json:"items"`
}

type mediaItem struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Artists     []string `json:"artists,omitempty"`
	Album       string   `json:"album,omitempty"`
	Genre       string   `json:"genre,omitempty"`
	Year        int      `json:"year,omitempty"`
	TrackNumber int      `json:"trackNumber,omitempty"`
	MediaType   string   `json:"mediaType"`
	MimeType    string   `json:"mimeType"`
	Size        int64    `json:"size"`
	ModTime     int64    `json:"modTime"`
	HasArt      bool     `json:"hasArt,omitempty"`
}

// NewModule creates a filesystem library module and mounts its file
// routes on router.
func NewModule(log *zap.Logger, store *contentdir.Store, router *mux.Router, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		return nil, errors.New("content store required")
	}
	if len(cfg.Roots) == 0 {
		return nil, errors.New("roots required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Music"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 15 * time.Minute
	}
	if len(cfg.IncludeExts) == 0 {
		cfg.IncludeExts = []string{".mp3", ".flac", ".ogg", ".m4a", ".mp4", ".mkv"}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	m := &Module{
		log:    log,
		store:  store,
		config: cfg,
		index:  &libraryIndex{Items: map[string]mediaItem{}},
		ids:    map[string]string{},
	}
	if router != nil {
		router.HandleFunc(MediaPath+"{id}", m.serveFile).Methods(http.MethodGet, http.MethodHead)
		router.HandleFunc(MediaPath+"{id}/art", m.serveArt).Methods(http.MethodGet, http.MethodHead)
	}
	return m, nil
}

// Run publishes the last saved index, then rescans on an interval until
// ctx is done.
func (m *Module) Run(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	if err := m.loadIndex(); err != nil {
		m.log.Debug("index load failed", zap.Error(err))
	} else {
		m.mu.RLock()
		saved := m.index
		m.mu.RUnlock()
		m.sync(saved)
	}
	if err := m.scan(); err != nil {
		m.log.Warn("initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.scan(); err != nil {
				m.log.Warn("scan failed", zap.Error(err))
			}
		}
	}
}

func (m *Module) setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.top != "" {
		return nil
	}
	top, err := m.store.AddContainer(contentdir.RootID, didl.NewContainer("", "", m.config.Name, didl.ClassStorageFolder))
	if err != nil {
		return err
	}
	folders := make([]string, 3)
	for i, title := range []string{"Artists", "Tracks", "Videos"} {
		folders[i], err = m.store.AddContainer(top, didl.NewContainer("", "", title, didl.ClassStorageFolder))
		if err != nil {
			return err
		}
	}
	m.top, m.artists, m.tracks, m.videos = top, folders[0], folders[1], folders[2]
	return nil
}

func (m *Module) scan() error {
	started := time.Now()
	exts := buildExtMap(m.config.IncludeExts)
	videoExts := defaultVideoExts()

	next := &libraryIndex{Items: map[string]mediaItem{}}

	for _, root := range m.config.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				m.log.Debug("walk error", zap.Error(err), zap.String("path", path))
				return nil
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(d.Name()))
			if !exts[ext] {
				return nil
			}
			item, err := buildItem(path, videoExts)
			if err != nil {
				m.log.Debug("item build failed", zap.Error(err), zap.String("path", path))
				return nil
			}
			next.Items[item.ID] = item
			return nil
		})
		if err != nil {
			m.log.Warn("walk failed", zap.Error(err), zap.String("root", root))
		}
	}

	m.mu.Lock()
	m.index = next
	m.mu.Unlock()
	m.sync(next)

	if err := m.saveIndex(); err != nil {
		m.log.Debug("index save failed", zap.Error(err))
	}
	m.log.Info("scan complete", zap.Duration("elapsed", time.Since(started)), zap.Int("items", len(next.Items)))
	return nil
}

// sync reconciles the content tree with idx: vanished items go first, then
// emptied albums and artists, then new entries are added in order.
func (m *Module) sync(idx *libraryIndex) {
	if err := m.setup(); err != nil {
		m.log.Warn("library setup failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := map[string]bool{}
	items := sortedItems(idx)
	for _, item := range items {
		wanted[itemKey(item)] = true
		if item.MediaType == "Audio" {
			wanted[artistKey(item)] = true
			wanted[albumKey(item)] = true
		}
	}

	stale := make([]string, 0)
	for key := range m.ids {
		if !wanted[key] {
			stale = append(stale, key)
		}
	}
	// Items sort before albums and albums before artists.
	sort.Slice(stale, func(i, j int) bool { return keyRank(stale[i]) < keyRank(stale[j]) })
	for _, key := range stale {
		if err := m.store.Remove(m.ids[key]); err != nil && !errors.Is(err, contentdir.ErrNoSuchObject) {
			m.log.Debug("remove failed", zap.String("key", key), zap.Error(err))
		}
		delete(m.ids, key)
	}

	for _, item := range items {
		if _, ok := m.ids[itemKey(item)]; ok {
			continue
		}
		if err := m.addLocked(item); err != nil {
			m.log.Debug("add failed", zap.String("path", item.Path), zap.Error(err))
		}
	}
}

func (m *Module) addLocked(item mediaItem) error {
	obj := m.object(item)
	if item.MediaType == "Video" {
		id, err := m.store.AddItem(m.videos, obj)
		if err != nil {
			return err
		}
		m.ids[itemKey(item)] = id
		return nil
	}

	artist, ok := m.ids[artistKey(item)]
	if !ok {
		c := didl.NewContainer("", "", artistName(item), didl.ClassMusicArtist)
		c.Artist = artistName(item)
		id, err := m.store.AddContainer(m.artists, c)
		if err != nil {
			return err
		}
		artist = id
		m.ids[artistKey(item)] = id
	}
	album, ok := m.ids[albumKey(item)]
	if !ok {
		c := didl.NewContainer("", "", albumName(item), didl.ClassMusicAlbum)
		c.Artist = artistName(item)
		c.Creator = artistName(item)
		if item.HasArt {
			c.AlbumArt = obj.AlbumArt
		}
		id, err := m.store.AddContainer(artist, c)
		if err != nil {
			return err
		}
		album = id
		m.ids[albumKey(item)] = id
	}
	id, err := m.store.AddItem(album, obj)
	if err != nil {
		return err
	}
	m.ids[itemKey(item)] = id
	if _, err := m.store.Link(m.tracks, id); err != nil {
		return err
	}
	return nil
}

func (m *Module) object(item mediaItem) didl.Object {
	class := didl.ClassMusicTrack
	if item.MediaType == "Video" {
		class = didl.ClassVideoItem
	}
	obj := didl.NewItem("", "", item.Title, class)
	if item.MediaType == "Audio" {
		obj.Artist = artistName(item)
		obj.Creator = obj.Artist
		obj.Album = albumName(item)
		obj.Genre = item.Genre
		obj.TrackNumber = item.TrackNumber
		if item.Year > 0 {
			obj.Date = fmt.Sprintf("%04d-01-01", item.Year)
		}
	}
	if item.HasArt {
		obj.AlbumArt = []didl.AlbumArt{{URI: m.fileURL(item.ID) + "/art", ProfileID: "JPEG_TN"}}
	}
	obj.AddResource(didl.Resource{
		URL:          m.fileURL(item.ID),
		ProtocolInfo: protocolInfo(item.MimeType).String(),
		Size:         item.Size,
	})
	return obj
}

func (m *Module) fileURL(itemID string) string {
	return m.config.BaseURL + MediaPath + itemID
}

func buildItem(path string, videoExts map[string]bool) (mediaItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return mediaItem{}, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	mediaType := "Audio"
	if videoExts[ext] {
		mediaType = "Video"
	}

	meta, err := readTags(path)
	if err != nil {
		meta = fallbackMetadata(path)
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return mediaItem{
		ID:          hashID(path, info.Size(), info.ModTime()),
		Path:        path,
		Title:       meta.Title,
		Artists:     meta.Artists,
		Album:       meta.Album,
		Genre:       meta.Genre,
		Year:        meta.Year,
		TrackNumber: meta.TrackNumber,
		MediaType:   mediaType,
		MimeType:    mimeType(ext),
		Size:        info.Size(),
		ModTime:     info.ModTime().Unix(),
		HasArt:      meta.HasArt,
	}, nil
}

type tagMetadata struct {
	Title       string
	Artists     []string
	Album       string
	Genre       string
	Year        int
	TrackNumber int
	HasArt      bool
}

func readTags(path string) (tagMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return tagMetadata{}, err
	}
	defer f.Close()

	metadata, err := tag.ReadFrom(f)
	if err != nil {
		return tagMetadata{}, err
	}

	var artists []string
	if artist := strings.TrimSpace(metadata.Artist()); artist != "" {
		artists = []string{artist}
	} else if artist := strings.TrimSpace(metadata.AlbumArtist()); artist != "" {
		artists = []string{artist}
	}
	track, _ := metadata.Track()
	return tagMetadata{
		Title:       strings.TrimSpace(metadata.Title()),
		Artists:     artists,
		Album:       strings.TrimSpace(metadata.Album()),
		Genre:       strings.TrimSpace(metadata.Genre()),
		Year:        metadata.Year(),
		TrackNumber: track,
		HasArt:      metadata.Picture() != nil,
	}, nil
}

func fallbackMetadata(path string) tagMetadata {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	meta := tagMetadata{}
	if num, rest, ok := strings.Cut(name, " "); ok {
		if n, err := strconv.Atoi(strings.TrimSuffix(num, ".")); err == nil {
			meta.TrackNumber = n
			name = strings.TrimLeft(rest, " -")
		}
	}
	parts := strings.SplitN(name, " - ", 2)
	if len(parts) == 2 {
		meta.Artists = []string{strings.TrimSpace(parts[0])}
		meta.Title = strings.TrimSpace(parts[1])
	} else {
		meta.Title = name
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		meta.Album = filepath.Base(dir)
		parent := filepath.Base(filepath.Dir(dir))
		if len(meta.Artists) == 0 && parent != "" && parent != "." && parent != string(filepath.Separator) {
			meta.Artists = []string{parent}
		}
	}
	return meta
}

func buildExtMap(exts []string) map[string]bool {
	out := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = true
	}
	return out
}

func defaultVideoExts() map[string]bool {
	return map[string]bool{
		".mp4": true,
		".mkv": true,
		".avi": true,
	}
}

var mimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

func mimeType(ext string) string {
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if base, _, ok := strings.Cut(t, ";"); ok {
			return base
		}
		return t
	}
	return "application/octet-stream"
}

// protocolInfo advertises byte seeking, which ServeContent honours.
func protocolInfo(mimeType string) upnp.ProtocolInfo {
	info := "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	if mimeType == "audio/mpeg" {
		info = "DLNA.ORG_PN=MP3;" + info
	}
	return upnp.NewHTTPProtocolInfo(mimeType, info)
}

func (m *Module) getItem(itemID string) (mediaItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.index.Items[itemID]
	return item, ok
}

func (m *Module) serveFile(w http.ResponseWriter, r *http.Request) {
	item, ok := m.getItem(mux.Vars(r)["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(item.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", item.MimeType)
	w.Header().Set("transferMode.dlna.org", "Streaming")
	w.Header().Set("contentFeatures.dlna.org", protocolInfo(item.MimeType).AdditionalInfo)
	http.ServeContent(w, r, filepath.Base(item.Path), time.Unix(item.ModTime, 0), f)
}

func (m *Module) serveArt(w http.ResponseWriter, r *http.Request) {
	item, ok := m.getItem(mux.Vars(r)["id"])
	if !ok || !item.HasArt {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(item.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	metadata, err := tag.ReadFrom(f)
	if err != nil || metadata.Picture() == nil {
		http.NotFound(w, r)
		return
	}
	pic := metadata.Picture()
	w.Header().Set("Content-Type", pic.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(pic.Data)))
	if r.Method != http.MethodHead {
		_, _ = w.Write(pic.Data)
	}
}

func (m *Module) indexFilePath() (string, error) {
	mode := strings.ToLower(strings.TrimSpace(m.config.IndexMode))
	switch mode {
	case "":
		if strings.TrimSpace(m.config.IndexPath) == "" {
			return "", nil
		}
		return m.config.IndexPath, nil
	case "separate":
		if strings.TrimSpace(m.config.IndexPath) == "" {
			return "", errors.New("index_path required for separate mode")
		}
		return m.config.IndexPath, nil
	case "near":
		root := strings.TrimSpace(m.config.Roots[0])
		if root == "" {
			return "", errors.New("root required for near mode")
		}
		return filepath.Join(root, ".mupnp_fs_index.json"), nil
	default:
		return "", errors.New("invalid index_mode (use near|separate)")
	}
}

func (m *Module) loadIndex() error {
	path, err := m.indexFilePath()
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("no index configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var idx libraryIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	if idx.Items == nil {
		idx.Items = map[string]mediaItem{}
	}
	m.mu.Lock()
	m.index = &idx
	m.mu.Unlock()
	return nil
}

func (m *Module) saveIndex() error {
	path, err := m.indexFilePath()
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	m.mu.RLock()
	data, err := json.Marshal(m.index)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func sortedItems(idx *libraryIndex) []mediaItem {
	items := make([]mediaItem, 0, len(idx.Items))
	for _, item := range idx.Items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if artistName(a) != artistName(b) {
			return artistName(a) < artistName(b)
		}
		if albumName(a) != albumName(b) {
			return albumName(a) < albumName(b)
		}
		if a.TrackNumber != b.TrackNumber {
			return a.TrackNumber < b.TrackNumber
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return items
}

func itemKey(item mediaItem) string   { return "item/" + item.ID }
func artistKey(item mediaItem) string { return "artist/" + artistName(item) }
func albumKey(item mediaItem) string  { return "album/" + artistName(item) + "/" + albumName(item) }

func keyRank(key string) int {
	switch {
	case strings.HasPrefix(key, "item/"):
		return 0
	case strings.HasPrefix(key, "album/"):
		return 1
	default:
		return 2
	}
}

func artistName(item mediaItem) string {
	return firstOr(item.Artists, "Unknown Artist")
}

func albumName(item mediaItem) string {
	if item.Album == "" {
		return "Unknown Album"
	}
	return item.Album
}

func hashID(path string, size int64, mod time.Time) string {
	h := sha1.New()
	_, _ = io.WriteString(h, path)
	_, _ = io.WriteString(h, fmt.Sprintf("|%d|%d", size, mod.UnixNano()))
	return hex.EncodeToString(h.Sum(nil))
}

func firstOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	if strings.TrimSpace(values[0]) == "" {
		return fallback
	}
	return values[0]
}
