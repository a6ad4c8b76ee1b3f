package preview

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// NACKBufferSize is the number of packets kept for retransmission.
const NACKBufferSize = 2048

// newAPI builds a WebRTC API with H.264 only and RTCP feedback wired to
// onKeyframe for PLI and FIR.
func newAPI(onKeyframe func()) (*pion.API, error) {
	m := &pion.MediaEngine{}
	feedback := []pion.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	for _, codec := range []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: feedback,
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
				RTCPFeedback: feedback,
			},
			PayloadType: 96,
		},
		{
			// Main/High profile capture helpers.
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640028",
				RTCPFeedback: feedback,
			},
			PayloadType: 98,
		},
	} {
		if err := m.RegisterCodec(codec, pion.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	i := &interceptor.Registry{}
	if err := pion.ConfigureNack(m, i); err != nil {
		return nil, err
	}
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, err
	}
	i.Add(&keyframeInterceptorFactory{onKeyframe: onKeyframe})

	s := pion.SettingEngine{}
	s.SetSRTPReplayProtectionWindow(NACKBufferSize)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

type keyframeInterceptorFactory struct {
	onKeyframe func()
}

func (f *keyframeInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &keyframeInterceptor{onKeyframe: f.onKeyframe}, nil
}

// keyframeInterceptor watches viewer RTCP for picture loss.
type keyframeInterceptor struct {
	interceptor.NoOp
	onKeyframe func()
}

func (k *keyframeInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return &keyframeReader{reader: reader, onKeyframe: k.onKeyframe}
}

type keyframeReader struct {
	reader     interceptor.RTCPReader
	onKeyframe func()
}

func (r *keyframeReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, attr, err := r.reader.Read(b, a)
	if err != nil {
		return n, attr, err
	}

	packets, parseErr := rtcp.Unmarshal(b[:n])
	if parseErr != nil {
		return n, attr, err
	}
	for _, pkt := range packets {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			r.onKeyframe()
		}
	}
	return n, attr, err
}
