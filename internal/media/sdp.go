package media

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Summary is what a session description asks for, per media kind.
type Summary struct {
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
	AudioDir string `json:"audio_dir,omitempty"`
	VideoDir string `json:"video_dir,omitempty"`
}

// Summarize parses d and reports its audio/video sections. A description
// without any audio or video section is an error.
func Summarize(d webrtc.SessionDescription) (Summary, error) {
	var s Summary
	if d.SDP == "" {
		return s, errors.New("empty session description")
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return s, fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio":
			s.Audio = true
			s.AudioDir = direction(md)
		case "video":
			s.Video = true
			s.VideoDir = direction(md)
		}
	}
	if !s.Audio && !s.Video {
		return s, errors.New("session description has no audio or video section")
	}
	return s, nil
}

func direction(md *sdp.MediaDescription) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(dir); ok {
			return dir
		}
	}
	return "sendrecv"
}
