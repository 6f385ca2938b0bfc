package media_test

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/media/mediatest"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		sdp     string
		audio   bool
		video   bool
		wantErr bool
	}{
		{"audio only", mediatest.SDP(webrtc.RTPCodecTypeAudio), true, false, false},
		{"audio and video", mediatest.SDP(webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo), true, true, false},
		{"empty", "", false, false, true},
		{"garbage", "hello", false, false, true},
		{"no media", mediatest.SDP(), false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := media.Summarize(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: tt.sdp})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.audio, sum.Audio)
			assert.Equal(t, tt.video, sum.Video)
		})
	}
}

func TestRemoteTrackObserve(t *testing.T) {
	rs := media.NewRemoteStream("s")
	tr := rs.AddTrack("a", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	assert.Same(t, tr, rs.AddTrack("a", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus))

	for _, seq := range []uint16{65534, 65535, 0, 3} {
		tr.Observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, 10)})
	}
	st := tr.Stats()
	assert.Equal(t, uint64(4), st.Packets)
	assert.Equal(t, uint64(40), st.Bytes)
	assert.Equal(t, uint64(2), st.Lost)
	assert.Equal(t, "audio", st.Kind)
	assert.False(t, rs.HasVideo())
}
