package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Meet/internal/core"
)

func pionKind(k core.MediaKind) webrtc.RTPCodecType {
	if k == core.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func iceParameters(p webrtc.ICEParameters) core.IceParameters {
	return core.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func toPionIceParameters(p core.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func iceCandidate(c webrtc.ICECandidate) core.IceCandidate {
	return core.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toPionCandidate(c core.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate protocol: %w", err)
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate type: %w", err)
	}
	addr := c.Address
	if addr == "" {
		addr = c.IP
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    addr,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func dtlsParameters(p webrtc.DTLSParameters) core.DtlsParameters {
	out := core.DtlsParameters{Role: dtlsRole(p.Role)}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func dtlsRole(r webrtc.DTLSRole) string {
	switch r {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	}
	return "auto"
}

func toPionDtlsParameters(p core.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: strings.ToLower(fp.Algorithm),
			Value:     fp.Value,
		})
	}
	return out
}

func toPionFeedback(fb []core.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toPionCapability(c core.RtpCodecParameters) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: toPionFeedback(c.RtcpFeedback),
	}
}
