package core

import "github.com/dkeye/livecore/internal/domain"

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpEncoding struct {
	Rid                   string  `json:"rid,omitempty"`
	Ssrc                  uint32  `json:"ssrc,omitempty"`
	MaxBitrate            uint64  `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

type RtpParameters struct {
	Mid       string               `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters `json:"codecs"`
	Encodings []RtpEncoding        `json:"encodings,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportDescriptor is what a client needs to complete the handshake.
type TransportDescriptor struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// RemoteParameters are the client's half of the handshake. ICE parameters are
// optional for engines that learn the remote credentials from STUN.
type RemoteParameters struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}

type TransportOptions struct {
	MaxIncomingBitrate              uint64
	InitialAvailableOutgoingBitrate uint64
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
	// Encodings are layer hints merged by index onto RtpParameters.Encodings.
	Encodings []RtpEncoding
}

type ConsumeOptions struct {
	Producer        Producer
	RtpCapabilities RtpCapabilities
	Paused          bool
}

type ConsumerDescriptor struct {
	ID            string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters RtpParameters    `json:"rtpParameters"`
}

type Layers struct {
	Spatial  uint8 `json:"spatialLayer"`
	Temporal uint8 `json:"temporalLayer"`
}

type TransportStats struct {
	TransportID string `json:"transportId"`
	// RTT is the selected candidate pair round trip time in seconds.
	RTT    float64 `json:"rtt"`
	HasRTT bool    `json:"-"`
}

type ConsumerStats struct {
	ConsumerID    string           `json:"consumerId"`
	ProducerID    string           `json:"producerId"`
	Kind          domain.MediaKind `json:"kind"`
	Paused        bool             `json:"paused"`
	SpatialLayer  uint8            `json:"spatialLayer"`
	TemporalLayer uint8            `json:"temporalLayer"`
	PacketsSent   uint64           `json:"packetsSent"`
}
