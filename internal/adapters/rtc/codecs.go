package rtc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
)

const firstDynamicPayloadType = 96

var (
	videoFeedback = []core.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
	audioFeedback = []core.RtcpFeedback{
		{Type: "transport-cc"},
	}
)

// Header extension ids are assigned by the media engine in registration
// order, so this list fixes the ids advertised to clients.
var headerExtensions = []struct {
	uri   string
	kinds []core.MediaKind
}{
	{"urn:ietf:params:rtp-hdrext:sdes:mid", []core.MediaKind{core.KindAudio, core.KindVideo}},
	{"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", []core.MediaKind{core.KindAudio, core.KindVideo}},
	{"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", []core.MediaKind{core.KindAudio, core.KindVideo}},
	{"urn:ietf:params:rtp-hdrext:ssrc-audio-level", []core.MediaKind{core.KindAudio}},
}

// CodecCapabilities converts configured codecs. Payload types are left to
// the router.
func CodecCapabilities(codecs []config.Codec) []core.RtpCodecCapability {
	out := make([]core.RtpCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, core.RtpCodecCapability{
			Kind:       core.MediaKind(strings.ToLower(c.Kind)),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}
	return out
}

// routerCapabilities fills in payload types and feedback for a router.
func routerCapabilities(codecs []core.RtpCodecCapability) (core.RtpCapabilities, error) {
	caps := core.RtpCapabilities{Codecs: make([]core.RtpCodecCapability, 0, len(codecs))}
	used := make(map[uint8]struct{})
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = struct{}{}
		}
	}
	next := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		if !c.Kind.Valid() {
			return core.RtpCapabilities{}, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c.MimeType)
		}
		if c.Kind == core.KindAudio && c.Channels == 0 {
			c.Channels = 1
		}
		if c.PreferredPayloadType == 0 {
			for {
				if _, taken := used[next]; !taken {
					break
				}
				next++
			}
			c.PreferredPayloadType = next
			used[next] = struct{}{}
		}
		if c.RtcpFeedback == nil {
			if c.Kind == core.KindVideo {
				c.RtcpFeedback = slices.Clone(videoFeedback)
			} else {
				c.RtcpFeedback = slices.Clone(audioFeedback)
			}
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	for i, ext := range headerExtensions {
		for _, k := range ext.kinds {
			caps.HeaderExtensions = append(caps.HeaderExtensions, core.RtpHeaderExtension{
				Kind:        k,
				URI:         ext.uri,
				PreferredID: i + 1,
				Direction:   "sendrecv",
			})
		}
	}
	return caps, nil
}

func newMediaEngine(caps core.RtpCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(c.Parameters),
				RTCPFeedback: toPionFeedback(c.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, pionKind(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range headerExtensions {
		for _, k := range ext.kinds {
			if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.uri}, pionKind(k)); err != nil {
				return nil, fmt.Errorf("register header extension %s: %w", ext.uri, err)
			}
		}
	}
	return m, nil
}

// fmtpLine renders codec parameters sorted by key.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

// matchCodec picks the router codec a consumer receives for a producer
// codec. A nil caps accepts the router codec as is.
func matchCodec(router core.RtpCapabilities, produced core.RtpCodecParameters, caps *core.RtpCapabilities) (core.RtpCodecParameters, error) {
	var found *core.RtpCodecCapability
	for i := range router.Codecs {
		if sameCodec(router.Codecs[i].MimeType, router.Codecs[i].ClockRate, router.Codecs[i].Parameters, produced.MimeType, produced.ClockRate, produced.Parameters) {
			found = &router.Codecs[i]
			break
		}
	}
	if found == nil {
		return core.RtpCodecParameters{}, fmt.Errorf("%w: %s", ErrUnsupportedCodec, produced.MimeType)
	}
	if caps != nil {
		ok := slices.ContainsFunc(caps.Codecs, func(c core.RtpCodecCapability) bool {
			return sameCodec(c.MimeType, c.ClockRate, c.Parameters, found.MimeType, found.ClockRate, found.Parameters)
		})
		if !ok {
			return core.RtpCodecParameters{}, fmt.Errorf("%w: %s", ErrCannotConsume, found.MimeType)
		}
	}
	return core.RtpCodecParameters{
		MimeType:     found.MimeType,
		PayloadType:  found.PreferredPayloadType,
		ClockRate:    found.ClockRate,
		Channels:     found.Channels,
		Parameters:   found.Parameters,
		RtcpFeedback: found.RtcpFeedback,
	}, nil
}

// sameCodec compares mime type and clock rate, plus the H264 parameters
// that change the bitstream.
func sameCodec(mimeA string, rateA uint32, paramsA map[string]any, mimeB string, rateB uint32, paramsB map[string]any) bool {
	if !strings.EqualFold(mimeA, mimeB) || rateA != rateB {
		return false
	}
	if !strings.EqualFold(mimeA, webrtc.MimeTypeH264) {
		return true
	}
	for _, key := range []string{"packetization-mode", "profile-level-id"} {
		if !strings.EqualFold(paramString(paramsA, key), paramString(paramsB, key)) {
			return false
		}
	}
	return true
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok {
		if key == "packetization-mode" {
			return "0"
		}
		return ""
	}
	return fmt.Sprint(v)
}
