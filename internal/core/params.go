package core

// Wire types shared by the signaling protocol and the media engine.
// Field names follow what browser-side SFU clients send and expect.

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc uint32         `json:"ssrc,omitempty"`
	Rid  string         `json:"rid,omitempty"`
	Rtx  *RtxParameters `json:"rtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
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

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             string          `json:"id"`
	IceParameters  IceParameters   `json:"iceParameters"`
	IceCandidates  []IceCandidate  `json:"iceCandidates"`
	DtlsParameters DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
}

type TransportPair struct {
	Send TransportParams `json:"send"`
	Recv TransportParams `json:"recv"`
}

type ListenIP struct {
	IP          string
	AnnouncedIP string
}

// TransportOptions are room-wide and come from media configuration.
type TransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	EnableSctp                      bool
	InitialAvailableOutgoingBitrate uint32
	MinimumAvailableOutgoingBitrate uint32
	MaxIncomingBitrate              uint32
	MaxSctpMessageSize              uint32
}

// TransportConnectParams completes a transport handshake. The protocol
// only requires DtlsParameters, but the pion engine in adapters/rtc runs
// its own ICE agent and rejects a connect without IceParameters; the
// candidates stay optional. Clients talking to it must send both ICE
// fields along with the DTLS ones.
type TransportConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}

type ProduceParams struct {
	Kind          MediaKind      `json:"kind"`
	RtpParameters RtpParameters  `json:"rtpParameters"`
	AppData       map[string]any `json:"appData,omitempty"`
}

type ConsumeParams struct {
	ProducerID      string
	RtpCapabilities *RtpCapabilities
	Paused          bool
}
