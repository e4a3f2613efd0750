package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
)

func testCodecs() []core.RtpCodecCapability {
	return []core.RtpCodecCapability{
		{Kind: core.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: core.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
		{Kind: core.KindVideo, MimeType: "video/H264", ClockRate: 90000, PreferredPayloadType: 97,
			Parameters: map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f"}},
	}
}

func TestRouterCapabilitiesAssignsPayloadTypes(t *testing.T) {
	caps, err := routerCapabilities(testCodecs())
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 3)

	assert.Equal(t, uint8(96), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(98), caps.Codecs[1].PreferredPayloadType, "97 is taken by h264")
	assert.Equal(t, uint8(97), caps.Codecs[2].PreferredPayloadType)

	assert.Equal(t, audioFeedback, caps.Codecs[0].RtcpFeedback)
	assert.Equal(t, videoFeedback, caps.Codecs[1].RtcpFeedback)

	var audioExt, videoExt int
	for _, ext := range caps.HeaderExtensions {
		assert.Positive(t, ext.PreferredID)
		if ext.Kind == core.KindAudio {
			audioExt++
		} else {
			videoExt++
		}
	}
	assert.Equal(t, 4, audioExt)
	assert.Equal(t, 3, videoExt)
}

func TestRouterCapabilitiesRejectsUnknownKind(t *testing.T) {
	_, err := routerCapabilities([]core.RtpCodecCapability{{Kind: "data", MimeType: "x/y", ClockRate: 1}})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestNewMediaEngineRegistersRouterCodecs(t *testing.T) {
	caps, err := routerCapabilities(testCodecs())
	require.NoError(t, err)
	m, err := newMediaEngine(caps)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestCodecCapabilitiesFromConfig(t *testing.T) {
	got := CodecCapabilities([]config.Codec{
		{Kind: "Audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	})
	require.Len(t, got, 1)
	assert.Equal(t, core.KindAudio, got[0].Kind)
	assert.Zero(t, got[0].PreferredPayloadType)
}

func TestFmtpLineIsSorted(t *testing.T) {
	line := fmtpLine(map[string]any{"profile-level-id": "42e01f", "level-asymmetry-allowed": 1, "packetization-mode": 1})
	assert.Equal(t, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", line)
	assert.Empty(t, fmtpLine(nil))
}

func TestMatchCodec(t *testing.T) {
	router, err := routerCapabilities(testCodecs())
	require.NoError(t, err)

	h264 := core.RtpCodecParameters{MimeType: "video/h264", ClockRate: 90000, PayloadType: 125,
		Parameters: map[string]any{"packetization-mode": float64(1), "profile-level-id": "42E01F"}}

	tests := []struct {
		name     string
		produced core.RtpCodecParameters
		caps     *core.RtpCapabilities
		wantPT   uint8
		wantErr  error
	}{
		{
			name:     "given vp8 and no client caps when matched then router payload type is used",
			produced: core.RtpCodecParameters{MimeType: "video/vp8", ClockRate: 90000, PayloadType: 100},
			wantPT:   98,
		},
		{
			name:     "given h264 with same profile when matched then router codec is returned",
			produced: h264,
			wantPT:   97,
		},
		{
			name:     "given h264 with other packetization when matched then codec is unsupported",
			produced: core.RtpCodecParameters{MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]any{"profile-level-id": "42e01f"}},
			wantErr:  ErrUnsupportedCodec,
		},
		{
			name:     "given client without vp8 when matched then consume is refused",
			produced: core.RtpCodecParameters{MimeType: "video/VP8", ClockRate: 90000},
			caps:     &core.RtpCapabilities{Codecs: []core.RtpCodecCapability{{MimeType: "audio/opus", ClockRate: 48000}}},
			wantErr:  ErrCannotConsume,
		},
		{
			name:     "given client with opus when matched then opus is accepted",
			produced: core.RtpCodecParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			caps:     &core.RtpCapabilities{Codecs: []core.RtpCodecCapability{{MimeType: "audio/OPUS", ClockRate: 48000}}},
			wantPT:   96,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchCodec(router, tt.produced, tt.caps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPT, got.PayloadType)
		})
	}
}
