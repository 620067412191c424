//go:build linux

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/negotiation"
)

// Source captures camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux) and encodes VP8 + Opus.
type Source struct {
	log      zerolog.Logger
	selector *mediadevices.CodecSelector
}

// NewSource builds the codec selector.
func NewSource(logger zerolog.Logger) (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Source{
		log: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs with a media engine.
func (s *Source) Populate(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

func videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		// Raw formats only. Some cameras expose an MJPEG node whose
		// malformed frames poison the VP8 encoder.
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
	}
}

// Acquire captures local media for c. GetUserMedia fails as a unit if any
// requested track can't be opened, so video+audio falls back to video-only
// and then audio-only. When everything fails the call proceeds receive-only.
func (s *Source) Acquire(_ context.Context, c calls.MediaConstraints) (negotiation.LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		s.log.Warn().Msg("no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		s.log.Debug().Interface("kind", d.Kind).Str("label", d.Label).Msg("media device")
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if c.Video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	local := &captured{Local: newLocal(s.log), src: s}
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = videoConstraints("")
		}
		if a.audio && c.Audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
		if constraints.Video == nil && constraints.Audio == nil {
			continue
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			s.log.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			continue
		}

		tracks := stream.GetTracks()
		broken := false
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					s.log.Warn().Err(err).Msg("local track ended")
				}
			})
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				// Probe the encoder; a poisoned one breaks SDP negotiation.
				r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					s.log.Warn().Err(err).Str("attempt", a.label).Msg("video track broken, skipping attempt")
					broken = true
					continue
				}
				_ = r.Close()
			}
		}
		if broken {
			for _, t := range tracks {
				_ = t.Close()
			}
			continue
		}

		for _, t := range tracks {
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				local.add(negotiation.TrackVideo, t)
			} else {
				local.add(negotiation.TrackAudio, t)
			}
		}
		s.log.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return local, nil
	}

	s.log.Warn().Msg("all media capture attempts failed, proceeding receive-only")
	return local, nil
}

// captured adds camera switching to Local.
type captured struct {
	*Local
	src *Source
}

// SwitchCamera moves video to the next camera in device order.
func (c *captured) SwitchCamera(_ context.Context) error {
	c.mu.Lock()
	hasVideo := c.tracks[negotiation.TrackVideo] != nil
	current := c.camera
	c.mu.Unlock()
	if !hasVideo {
		return ErrNoCamera
	}

	var cameras []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d.DeviceID)
		}
	}
	if len(cameras) < 2 {
		return ErrSingleCamera
	}
	next := cameras[0]
	for i, id := range cameras {
		if id == current {
			next = cameras[(i+1)%len(cameras)]
			break
		}
	}
	if current == "" {
		next = cameras[1]
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.src.selector,
		Video: videoConstraints(next),
	})
	if err != nil {
		return err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return ErrNoCamera
	}
	c.src.log.Info().Str("device", next).Msg("switched camera")
	return c.replaceCamera(next, tracks[0])
}
