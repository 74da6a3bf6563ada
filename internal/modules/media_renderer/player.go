package mediarenderer

import (
	"errors"
	"sync"
	"time"
)

// Player executes playback for one transport instance.
type Player interface {
	Play(url string, position time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	Seek(position time.Duration) error
	SetVolume(volume int) error
	SetMute(mute bool) error
	// Position reports the playback position and, when known, the media
	// duration. ok is false when nothing is loaded.
	Position() (position time.Duration, duration time.Duration, ok bool)
}

// ErrNotLoaded is returned by ClockPlayer when no media is loaded.
var ErrNotLoaded = errors.New("no media loaded")

// ClockPlayer renders nothing. It tracks playback state and derives the
// position from a clock, which is enough for control points to drive a
// virtual renderer.
type ClockPlayer struct {
	now func() time.Time

	mu      sync.Mutex
	url     string
	playing bool
	offset  time.Duration
	started time.Time
	volume  int
	mute    bool
}

// NewClockPlayer returns a player reading time from now, or the wall clock
// when now is nil.
func NewClockPlayer(now func() time.Time) *ClockPlayer {
	if now == nil {
		now = time.Now
	}
	return &ClockPlayer{now: now, volume: 50}
}

func (p *ClockPlayer) Play(url string, position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.offset = position
	p.started = p.now()
	p.playing = true
	return nil
}

func (p *ClockPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return ErrNotLoaded
	}
	if p.playing {
		p.offset += p.now().Sub(p.started)
		p.playing = false
	}
	return nil
}

func (p *ClockPlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return ErrNotLoaded
	}
	if !p.playing {
		p.started = p.now()
		p.playing = true
	}
	return nil
}

func (p *ClockPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.offset = 0
	return nil
}

func (p *ClockPlayer) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return ErrNotLoaded
	}
	p.offset = position
	p.started = p.now()
	return nil
}

func (p *ClockPlayer) SetVolume(volume int) error {
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

func (p *ClockPlayer) SetMute(mute bool) error {
	p.mu.Lock()
	p.mute = mute
	p.mu.Unlock()
	return nil
}

func (p *ClockPlayer) Position() (time.Duration, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return 0, 0, false
	}
	pos := p.offset
	if p.playing {
		pos += p.now().Sub(p.started)
	}
	return pos, 0, true
}

// Volume returns the last volume set.
func (p *ClockPlayer) Volume() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume, p.mute
}
