//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureDevices opens V4L2 cameras and the default audio input through
// pion/mediadevices and encodes them as VP8 and Opus.
type captureDevices struct {
	selector *mediadevices.CodecSelector
}

// NewPlatformDevices returns the capture backend for this OS.
func NewPlatformDevices() (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &captureDevices{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (d *captureDevices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *captureDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &MediaAcquisitionError{Reason: ReasonUnavailable, Err: err}
	}

	var mics, cams []mediadevices.MediaDeviceInfo
	for _, dev := range mediadevices.EnumerateDevices() {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
		switch dev.Kind {
		case mediadevices.AudioInput:
			mics = append(mics, dev)
		case mediadevices.VideoInput:
			cams = append(cams, dev)
		}
	}
	if len(mics) == 0 {
		return nil, &MediaAcquisitionError{Reason: ReasonNoDevice, Err: errors.New("no microphone found")}
	}
	log.Debugf("audio processing requested: aec=%v ns=%v agc=%v",
		c.Audio.EchoCancellation, c.Audio.NoiseSuppression, c.Audio.AutoGainControl)

	wantVideo := c.Video != nil
	if wantVideo && len(cams) == 0 {
		log.Warn("video requested but no camera found, capturing audio only")
		wantVideo = false
	}

	camIdx := 0
	if wantVideo {
		camIdx = pickCamera(cams, c.Video.Facing)
	}

	stream, err := d.open(mics[0], cams, camIdx, c, wantVideo)
	if err != nil && wantVideo {
		if acq := classify(err); acq.Reason == ReasonPermissionDenied {
			return nil, acq
		}
		log.Warnf("GetUserMedia (video+audio) failed, retrying audio only: %v", err)
		wantVideo = false
		stream, err = d.open(mics[0], nil, 0, c, false)
	}
	if err != nil {
		return nil, classify(err)
	}

	var tracks []Track
	for _, mt := range stream.GetTracks() {
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		ct := &captureTrack{track: mt, kind: mt.Kind(), enabled: true}
		if mt.Kind() == webrtc.RTPCodecTypeVideo && len(cams) > 1 {
			ct.next = d.cameraCycler(cams, camIdx, *c.Video)
		}
		tracks = append(tracks, ct)
	}
	log.Infof("local media captured: %d tracks (video=%v)", len(tracks), wantVideo)
	return NewLocalStream(uuid.NewString(), tracks...), nil
}

func (d *captureDevices) open(mic mediadevices.MediaDeviceInfo, cams []mediadevices.MediaDeviceInfo, camIdx int, c Constraints, video bool) (mediadevices.MediaStream, error) {
	cons := mediadevices.MediaStreamConstraints{Codec: d.selector}
	cons.Audio = func(mc *mediadevices.MediaTrackConstraints) {
		mc.DeviceID = prop.String(mic.DeviceID)
		mc.SampleRate = prop.Int(48000)
		mc.ChannelCount = prop.Int(1)
		mc.Latency = prop.Duration(20 * time.Millisecond)
	}
	if video {
		cons.Video = videoProps(cams[camIdx], *c.Video)
	}
	return mediadevices.GetUserMedia(cons)
}

func videoProps(cam mediadevices.MediaDeviceInfo, v VideoConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(mc *mediadevices.MediaTrackConstraints) {
		mc.DeviceID = prop.String(cam.DeviceID)
		// MJPEG nodes on some cameras emit malformed frames; raw formats only.
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		mc.Width = prop.IntRanged{Max: v.Width, Ideal: v.Width}
		mc.Height = prop.IntRanged{Max: v.Height, Ideal: v.Height}
		mc.FrameRate = prop.Float(v.FrameRate)
	}
}

// cameraCycler returns a function that opens the next camera in cams on
// every call.
func (d *captureDevices) cameraCycler(cams []mediadevices.MediaDeviceInfo, start int, v VideoConstraints) func() (mediadevices.Track, error) {
	var mu sync.Mutex
	idx := start
	return func() (mediadevices.Track, error) {
		mu.Lock()
		defer mu.Unlock()
		next := (idx + 1) % len(cams)
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Video: videoProps(cams[next], v),
		})
		if err != nil {
			return nil, fmt.Errorf("open camera %q: %w", cams[next].Label, err)
		}
		vt := stream.GetVideoTracks()
		if len(vt) == 0 {
			return nil, fmt.Errorf("camera %q produced no video track", cams[next].Label)
		}
		idx = next
		log.Infof("switched to camera %q", cams[next].Label)
		return vt[0], nil
	}
}

var (
	userFacing = []string{"front", "user", "integrated", "facetime", "internal"}
	envFacing  = []string{"back", "rear", "environment", "external"}
)

func pickCamera(cams []mediadevices.MediaDeviceInfo, f Facing) int {
	hints := userFacing
	if f == FacingEnvironment {
		hints = envFacing
	}
	for i, cam := range cams {
		label := strings.ToLower(cam.Label)
		for _, h := range hints {
			if strings.Contains(label, h) {
				return i
			}
		}
	}
	return 0
}

func classify(err error) *MediaAcquisitionError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return &MediaAcquisitionError{Reason: ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return &MediaAcquisitionError{Reason: ReasonNoDevice, Err: err}
	}
	return &MediaAcquisitionError{Reason: ReasonUnavailable, Err: err}
}

// captureTrack adapts a mediadevices track. Disabling it detaches the source
// from its sender so nothing is encoded while muted.
type captureTrack struct {
	kind webrtc.RTPCodecType
	next func() (mediadevices.Track, error)

	mu      sync.Mutex
	track   mediadevices.Track
	enabled bool
	sender  *webrtc.RTPSender
}

func (t *captureTrack) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.track.ID()
}

func (t *captureTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *captureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *captureTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return
	}
	t.enabled = on
	if t.sender == nil {
		return
	}
	var src webrtc.TrackLocal
	if on {
		src = t.track
	}
	if err := t.sender.ReplaceTrack(src); err != nil {
		log.Warnf("%s track enabled=%v: %v", t.kind, on, err)
	}
}

func (t *captureTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.track.Close(); err != nil {
		log.Debugf("close %s track: %v", t.kind, err)
	}
}

func (t *captureTrack) TrackLocal() webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.track
}

func (t *captureTrack) BindSender(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *captureTrack) SwitchCamera() error {
	if t.next == nil {
		return nil
	}
	nt, err := t.next()
	if err != nil {
		return err
	}
	t.mu.Lock()
	old := t.track
	t.track = nt
	if t.sender != nil && t.enabled {
		if err := t.sender.ReplaceTrack(nt); err != nil {
			log.Warnf("replace camera track: %v", err)
		}
	}
	t.mu.Unlock()
	_ = old.Close()
	return nil
}
