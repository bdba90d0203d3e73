package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/pion/webrtc/v4"
)

func codecType(k domain.MediaKind) webrtc.RTPCodecType {
	if k == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func toFeedback(fb []core.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toCodecParameters(c core.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func fromCandidate(c webrtc.ICECandidate) core.IceCandidate {
	return core.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toCandidate(c core.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("%w: candidate protocol %q", domain.ErrBadPayload, c.Protocol)
	}
	typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("%w: candidate type %q", domain.ErrBadPayload, c.Type)
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func fromDTLS(p webrtc.DTLSParameters) core.DtlsParameters {
	out := core.DtlsParameters{Role: p.Role.String(), Fingerprints: make([]core.DtlsFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsRole(s string) webrtc.DTLSRole {
	switch strings.ToLower(s) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toDTLS(p core.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: dtlsParameters without fingerprints", domain.ErrBadPayload)
	}
	out := webrtc.DTLSParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func fromCodec(c webrtc.RTPCodecParameters, params map[string]any) core.RtpCodecParameters {
	fb := make([]core.RtcpFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, core.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return core.RtpCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  uint8(c.PayloadType),
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		Parameters:   params,
		RtcpFeedback: fb,
	}
}

// mergeEncodings overlays layer hints onto the client's encodings by index.
func mergeEncodings(client, hints []core.RtpEncoding) []core.RtpEncoding {
	out := append([]core.RtpEncoding(nil), client...)
	for i := range out {
		if i >= len(hints) {
			break
		}
		h := hints[i]
		if out[i].Rid == "" {
			out[i].Rid = h.Rid
		}
		if h.MaxBitrate != 0 {
			out[i].MaxBitrate = h.MaxBitrate
		}
		if h.ScaleResolutionDownBy != 0 {
			out[i].ScaleResolutionDownBy = h.ScaleResolutionDownBy
		}
	}
	return out
}

func sameCodec(a, b string) bool { return strings.EqualFold(a, b) }
