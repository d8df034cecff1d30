package outputs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
)

type fakeSink struct {
	id      string
	speaker bool
	busy    bool
	played  [][]byte
	playErr error
}

func (f *fakeSink) DeviceID() string  { return f.id }
func (f *fakeSink) HasSpeaker() bool  { return f.speaker }
func (f *fakeSink) Busy() bool        { return f.busy }
func (f *fakeSink) PlayAudio(ctx context.Context, wav []byte) error {
	f.played = append(f.played, wav)
	return f.playErr
}

type fakeConnIndex struct {
	sinks map[string]*fakeSink
}

func (f *fakeConnIndex) Live(deviceID string) (AudioSink, bool) {
	s, ok := f.sinks[deviceID]
	return s, ok
}

type fakeMedia struct {
	states map[string]string
	err    error

	playedEntity string
	playedURL    string
	playedVolume float64
}

func (f *fakeMedia) State(ctx context.Context, entityID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.states[entityID], nil
}

func (f *fakeMedia) Play(ctx context.Context, entityID, url string, volume float64) error {
	f.playedEntity, f.playedURL, f.playedVolume = entityID, url, volume
	return nil
}

func outputConfig() config.OutputConfig {
	return config.OutputConfig{
		AdvertiseHost: "hub.local",
		AdvertisePort: 8350,
		AudioClipTTL:  time.Minute,
	}
}

func kitchenRoom() *domain.Room {
	return &domain.Room{
		ID:   "room_kitchen",
		Name: "kitchen",
		Bindings: []domain.SinkBinding{
			{Priority: 1, Sink: domain.SinkRef{Kind: domain.SinkDevice, DeviceID: "dev_panel"}},
			{Priority: 2, Sink: domain.SinkRef{Kind: domain.SinkMediaPlayer, EntityID: "media_player.kitchen"}, Volume: 0.6},
		},
	}
}

func TestRoutePicksFirstLiveBinding(t *testing.T) {
	panel := &fakeSink{id: "dev_panel", speaker: true}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{"dev_panel": panel}}, &fakeMedia{}, nil, outputConfig())

	input := &fakeSink{id: "dev_satellite", speaker: true}
	d := r.Route(context.Background(), kitchenRoom(), input)

	if d.Target != TargetDevice {
		t.Fatalf("target = %s, want device", d.Target)
	}
	if d.Device.DeviceID() != "dev_panel" {
		t.Errorf("device = %s", d.Device.DeviceID())
	}
	if !d.Handled() {
		t.Error("device delivery means tts is handled externally")
	}
}

func TestRouteSkipsBusyDeviceWithoutInterrupt(t *testing.T) {
	panel := &fakeSink{id: "dev_panel", speaker: true, busy: true}
	media := &fakeMedia{states: map[string]string{"media_player.kitchen": "idle"}}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{"dev_panel": panel}}, media, nil, outputConfig())

	d := r.Route(context.Background(), kitchenRoom(), nil)
	if d.Target != TargetMedia {
		t.Fatalf("target = %s, want media (busy device skipped)", d.Target)
	}
	if d.Entity != "media_player.kitchen" || d.Volume != 0.6 {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteMediaPlayingNeedsInterruptFlag(t *testing.T) {
	media := &fakeMedia{states: map[string]string{"media_player.kitchen": "playing"}}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{}}, media, nil, outputConfig())

	room := kitchenRoom()
	input := &fakeSink{id: "dev_sat", speaker: true}
	d := r.Route(context.Background(), room, input)
	if d.Target != TargetInput {
		t.Errorf("target = %s, want input fallback while media plays", d.Target)
	}

	room.Bindings[1].AllowInterrupt = true
	d = r.Route(context.Background(), room, input)
	if d.Target != TargetMedia {
		t.Errorf("target = %s, want media with interrupt allowed", d.Target)
	}
}

func TestRouteInputDeviceViaItsOwnBinding(t *testing.T) {
	// The submitting panel is also the room's first binding: answer goes
	// over the reply stream, not a push, and tts_handled stays false.
	panel := &fakeSink{id: "dev_panel", speaker: true}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{"dev_panel": panel}}, &fakeMedia{}, nil, outputConfig())

	d := r.Route(context.Background(), kitchenRoom(), panel)
	if d.Target != TargetInput {
		t.Fatalf("target = %s, want input", d.Target)
	}
	if d.Handled() {
		t.Error("input playback must not set tts_handled")
	}
}

func TestRouteNoRoomNoSpeaker(t *testing.T) {
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{}}, nil, nil, outputConfig())

	d := r.Route(context.Background(), nil, &fakeSink{id: "dev_x", speaker: false})
	if d.Target != TargetNone {
		t.Errorf("target = %s, want none", d.Target)
	}

	d = r.Route(context.Background(), nil, &fakeSink{id: "dev_x", speaker: true})
	if d.Target != TargetInput {
		t.Errorf("target = %s, want input", d.Target)
	}
}

func TestRoutePreferInputDevice(t *testing.T) {
	cfg := outputConfig()
	cfg.PreferInputDevice = true
	panel := &fakeSink{id: "dev_panel", speaker: true}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{"dev_panel": panel}}, &fakeMedia{}, nil, cfg)

	input := &fakeSink{id: "dev_sat", speaker: true}
	d := r.Route(context.Background(), kitchenRoom(), input)
	if d.Target != TargetInput {
		t.Errorf("target = %s, want input short-circuit", d.Target)
	}
}

func TestRouteMediaStateFailureFallsThrough(t *testing.T) {
	media := &fakeMedia{err: errors.New("bridge down")}
	r := NewRouter(&fakeConnIndex{sinks: map[string]*fakeSink{}}, media, nil, outputConfig())

	input := &fakeSink{id: "dev_sat", speaker: true}
	d := r.Route(context.Background(), kitchenRoom(), input)
	if d.Target != TargetInput {
		t.Errorf("target = %s, want input after media probe failure", d.Target)
	}
}

func TestDeliverDevice(t *testing.T) {
	panel := &fakeSink{id: "dev_panel", speaker: true}
	r := NewRouter(nil, nil, nil, outputConfig())

	wav := []byte("RIFFdata")
	if err := r.Deliver(context.Background(), Decision{Target: TargetDevice, Device: panel}, wav); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(panel.played) != 1 || string(panel.played[0]) != "RIFFdata" {
		t.Errorf("played = %v", panel.played)
	}
}

func TestDeliverMediaCachesClipAndAdvertisesURL(t *testing.T) {
	cache := NewAudioCache(time.Minute)
	defer cache.Close()
	media := &fakeMedia{}
	r := NewRouter(nil, media, cache, outputConfig())

	d := Decision{Target: TargetMedia, Entity: "media_player.kitchen", Volume: 0.6}
	if err := r.Deliver(context.Background(), d, []byte("RIFFdata")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if media.playedEntity != "media_player.kitchen" || media.playedVolume != 0.6 {
		t.Errorf("play call: %+v", media)
	}
	if !strings.HasPrefix(media.playedURL, "http://hub.local:8350/audio/clip_") ||
		!strings.HasSuffix(media.playedURL, ".wav") {
		t.Errorf("url = %q", media.playedURL)
	}

	// The advertised clip must be fetchable from the cache.
	clipID := strings.TrimSuffix(strings.TrimPrefix(media.playedURL, "http://hub.local:8350/audio/"), ".wav")
	data, ok := cache.Get(clipID)
	if !ok || string(data) != "RIFFdata" {
		t.Errorf("clip not cached under %q", clipID)
	}
}
