package outputs

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/outputs")

// AudioSink is a live internal device connection able to receive pushed
// audio.
type AudioSink interface {
	DeviceID() string
	HasSpeaker() bool
	Busy() bool
	PlayAudio(ctx context.Context, wav []byte) error
}

// ConnIndex resolves device IDs to live connections.
type ConnIndex interface {
	Live(deviceID string) (AudioSink, bool)
}

type Target string

const (
	// TargetInput: the submitting client plays the audio itself.
	TargetInput Target = "input"
	// TargetDevice: push to another internal device.
	TargetDevice Target = "device"
	// TargetMedia: hand a clip URL to an external media player.
	TargetMedia Target = "media"
	// TargetNone: no audible delivery; text still streams.
	TargetNone Target = "none"
)

// Decision is the outcome of a binding walk.
type Decision struct {
	Target Target
	Device AudioSink
	Entity string
	Volume float64
}

// Handled reports the tts_handled flag for the terminal frame: true when a
// sink other than the submitting client takes the audio.
func (d Decision) Handled() bool {
	return d.Target == TargetDevice || d.Target == TargetMedia
}

type Router struct {
	conns ConnIndex
	media MediaPlayer
	cache *AudioCache
	cfg   config.OutputConfig
}

func NewRouter(conns ConnIndex, media MediaPlayer, cache *AudioCache, cfg config.OutputConfig) *Router {
	return &Router{conns: conns, media: media, cache: cache, cfg: cfg}
}

// Route walks the room's bindings in ascending priority and picks one sink.
// A nil room (connection without room context) goes straight to the input
// fallback.
func (r *Router) Route(ctx context.Context, room *domain.Room, input AudioSink) Decision {
	ctx, span := tracer.Start(ctx, "outputs.route")
	defer span.End()

	if r.cfg.PreferInputDevice && inputPlayable(input) {
		span.SetAttributes(attribute.String("outputs.target", string(TargetInput)))
		return Decision{Target: TargetInput}
	}

	if room != nil {
		for _, binding := range room.Bindings {
			if d, ok := r.tryBinding(ctx, binding, input); ok {
				span.SetAttributes(
					attribute.String("outputs.target", string(d.Target)),
					attribute.Int("outputs.priority", binding.Priority),
				)
				return d
			}
		}
	}

	if inputPlayable(input) {
		span.SetAttributes(attribute.String("outputs.target", string(TargetInput)))
		return Decision{Target: TargetInput}
	}
	span.SetAttributes(attribute.String("outputs.target", string(TargetNone)))
	return Decision{Target: TargetNone}
}

func (r *Router) tryBinding(ctx context.Context, binding domain.SinkBinding, input AudioSink) (Decision, bool) {
	switch binding.Sink.Kind {
	case domain.SinkDevice:
		sink, ok := r.conns.Live(binding.Sink.DeviceID)
		if !ok || !sink.HasSpeaker() {
			return Decision{}, false
		}
		if sink.Busy() && !binding.AllowInterrupt {
			return Decision{}, false
		}
		// The input device reached through its own binding plays via the
		// reply stream, not a push.
		if input != nil && sink.DeviceID() == input.DeviceID() {
			return Decision{Target: TargetInput}, true
		}
		return Decision{Target: TargetDevice, Device: sink, Volume: binding.Volume}, true

	case domain.SinkMediaPlayer:
		if r.media == nil {
			return Decision{}, false
		}
		state, err := r.media.State(ctx, binding.Sink.EntityID)
		if err != nil {
			slog.Debug("outputs: media state query failed",
				"entity", binding.Sink.EntityID, "error", err)
			return Decision{}, false
		}
		switch state {
		case "idle", "paused", "standby":
			return Decision{Target: TargetMedia, Entity: binding.Sink.EntityID, Volume: binding.Volume}, true
		case "playing", "buffering":
			if binding.AllowInterrupt {
				return Decision{Target: TargetMedia, Entity: binding.Sink.EntityID, Volume: binding.Volume}, true
			}
		}
		return Decision{}, false
	}
	return Decision{}, false
}

// Deliver pushes the clip to the decided sink. TargetInput and TargetNone
// need no delivery here; the connection's reply stream covers them.
func (r *Router) Deliver(ctx context.Context, d Decision, wav []byte) error {
	switch d.Target {
	case TargetDevice:
		if err := d.Device.PlayAudio(ctx, wav); err != nil {
			return fmt.Errorf("push audio to %s: %w", d.Device.DeviceID(), err)
		}
	case TargetMedia:
		clipID := r.cache.Put(wav)
		url := fmt.Sprintf("http://%s:%d/audio/%s.wav", r.cfg.AdvertiseHost, r.cfg.AdvertisePort, clipID)
		if err := r.media.Play(ctx, d.Entity, url, d.Volume); err != nil {
			return err
		}
	}
	return nil
}

func inputPlayable(input AudioSink) bool {
	return input != nil && input.HasSpeaker() && !input.Busy()
}
