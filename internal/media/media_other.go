//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/negotiation"
)

// Source hands out receive-only media. Camera/mic capture via
// pion/mediadevices needs platform drivers only wired on Linux.
type Source struct {
	log zerolog.Logger
}

// NewSource returns a receive-only source.
func NewSource(logger zerolog.Logger) (*Source, error) {
	return &Source{log: logger}, nil
}

// Populate registers pion's default codecs.
func (s *Source) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Acquire returns media with no local tracks.
func (s *Source) Acquire(_ context.Context, _ calls.MediaConstraints) (negotiation.LocalMedia, error) {
	s.log.Info().Msg("no local capture on this platform, proceeding receive-only")
	return &receiveOnly{newLocal(s.log)}, nil
}

type receiveOnly struct{ *Local }

func (r *receiveOnly) SwitchCamera(context.Context) error { return ErrNoCamera }
