package app

import (
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
)

// MaxSpatialLayer is the top simulcast layer index of SimulcastEncodings.
const MaxSpatialLayer = 2

// DefaultCodecs is the fixed codec set every session router is created with.
func DefaultCodecs() []core.RtpCodecCapability {
	return []core.RtpCodecCapability{
		{
			Kind:                 domain.KindAudio,
			MimeType:             "audio/opus",
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
		},
		{
			Kind:                 domain.KindVideo,
			MimeType:             "video/VP8",
			ClockRate:            90000,
			PreferredPayloadType: 96,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
				"x-google-max-bitrate":   2000,
				"x-google-min-bitrate":   100,
			},
			RtcpFeedback: []core.RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		},
	}
}

// SimulcastEncodings are the three video layers requested from producers.
func SimulcastEncodings() []core.RtpEncoding {
	return []core.RtpEncoding{
		{Rid: "r0", MaxBitrate: 150000, ScaleResolutionDownBy: 4},
		{Rid: "r1", MaxBitrate: 500000, ScaleResolutionDownBy: 2},
		{Rid: "r2", MaxBitrate: 1000000, ScaleResolutionDownBy: 1},
	}
}
