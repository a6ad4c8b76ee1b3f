// Package preview serves a device's NAL stream to browsers over WebRTC.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/nal"
)

// ErrClosed is returned by Offer after Close.
var ErrClosed = errors.New("preview closed")

// KeyframeRequester asks a device for a fresh IDR.
type KeyframeRequester interface {
	RequestKeyframe(ctx context.Context, hardwareID string) error
}

// Options configures a Preview.
type Options struct {
	ICEServers []string
	Requester  KeyframeRequester
	// KeyframeInterval is the minimum spacing between keyframe requests
	// for one device.
	KeyframeInterval time.Duration
	Logger           *slog.Logger
}

// Peer describes one connected viewer.
type Peer struct {
	ID         string    `json:"id"`
	HardwareID string    `json:"hardware_id"`
	State      string    `json:"state"`
	Created    time.Time `json:"created"`
}

type peer struct {
	Peer
	pc *pion.PeerConnection
}

// Preview implements transport.Sink.
type Preview struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	tracks  map[string]*deviceTrack
	peers   map[string]*peer
	lastReq map[string]time.Time
	closed  bool
}

// New creates a preview sink.
func New(opts Options) *Preview {
	if opts.KeyframeInterval <= 0 {
		opts.KeyframeInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("preview")
	}
	return &Preview{
		opts:    opts,
		logger:  opts.Logger,
		tracks:  make(map[string]*deviceTrack),
		peers:   make(map[string]*peer),
		lastReq: make(map[string]time.Time),
	}
}

// HandleUnit implements transport.Sink. Units for devices nobody watches
// are dropped.
func (p *Preview) HandleUnit(hardwareID string, u nal.Unit) {
	p.mu.RLock()
	t := p.tracks[hardwareID]
	p.mu.RUnlock()
	if t == nil {
		return
	}
	if err := t.push(u); err != nil {
		p.logger.Debug("Failed to write sample", "hardware_id", hardwareID, "error", err)
	}
}

// Offer answers a viewer's SDP offer for a device.
func (p *Preview) Offer(ctx context.Context, hardwareID, sdp string) (string, error) {
	t, err := p.track(hardwareID)
	if err != nil {
		return "", err
	}
	registered := false
	defer func() {
		if !registered {
			p.releaseTrack(hardwareID)
		}
	}()

	api, err := newAPI(func() { p.requestKeyframe(hardwareID, "rtcp") })
	if err != nil {
		return "", err
	}
	cfg := pion.Configuration{}
	if len(p.opts.ICEServers) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: p.opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return "", err
	}

	sender, err := pc.AddTrack(t.local)
	if err != nil {
		pc.Close()
		return "", err
	}
	// Drain RTCP so interceptors see viewer feedback.
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}); err != nil {
		pc.Close()
		return "", fmt.Errorf("remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", err
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	pr := &peer{
		Peer: Peer{ID: uuid.NewString(), HardwareID: hardwareID, State: pion.PeerConnectionStateNew.String(), Created: time.Now()},
		pc:   pc,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return "", ErrClosed
	}
	p.peers[pr.ID] = pr
	registered = true
	count := len(p.peers)
	p.mu.Unlock()
	metrics.SetPreviewPeers(count)

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.mu.Lock()
		pr.State = state.String()
		p.mu.Unlock()
		switch state {
		case pion.PeerConnectionStateConnected:
			p.requestKeyframe(hardwareID, "viewer joined")
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed, pion.PeerConnectionStateDisconnected:
			p.ClosePeer(pr.ID)
		}
	})

	p.logger.Info("Preview peer created", "hardware_id", hardwareID, "peer_id", pr.ID, "total_peers", count)
	p.requestKeyframe(hardwareID, "new offer")
	return pc.LocalDescription().SDP, nil
}

func (p *Preview) track(hardwareID string) (*deviceTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t, ok := p.tracks[hardwareID]; ok {
		return t, nil
	}
	local, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
		"video", "mirage-"+hardwareID,
	)
	if err != nil {
		return nil, err
	}
	t := newDeviceTrack(local, local.WriteSample)
	p.tracks[hardwareID] = t
	return t, nil
}

// requestKeyframe forwards a keyframe request to the device, at most once
// per KeyframeInterval.
func (p *Preview) requestKeyframe(hardwareID, reason string) {
	if p.opts.Requester == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if last, ok := p.lastReq[hardwareID]; ok && now.Sub(last) < p.opts.KeyframeInterval {
		p.mu.Unlock()
		return
	}
	p.lastReq[hardwareID] = now
	p.mu.Unlock()

	metrics.IncKeyframeRequest(hardwareID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.opts.Requester.RequestKeyframe(ctx, hardwareID); err != nil {
			p.logger.Debug("Keyframe request failed", "hardware_id", hardwareID, "reason", reason, "error", err)
		}
	}()
}

// ClosePeer disconnects one viewer. The device track is released when its
// last viewer leaves.
func (p *Preview) ClosePeer(id string) bool {
	p.mu.Lock()
	pr, ok := p.peers[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.peers, id)
	p.releaseTrackLocked(pr.HardwareID)
	count := len(p.peers)
	p.mu.Unlock()

	_ = pr.pc.Close()
	metrics.SetPreviewPeers(count)
	p.logger.Debug("Preview peer closed", "peer_id", id, "hardware_id", pr.HardwareID, "remaining_peers", count)
	return true
}

func (p *Preview) releaseTrack(hardwareID string) {
	p.mu.Lock()
	p.releaseTrackLocked(hardwareID)
	p.mu.Unlock()
}

func (p *Preview) releaseTrackLocked(hardwareID string) {
	for _, o := range p.peers {
		if o.HardwareID == hardwareID {
			return
		}
	}
	delete(p.tracks, hardwareID)
}

// Peers lists connected viewers ordered by creation time.
func (p *Preview) Peers() []Peer {
	p.mu.RLock()
	out := make([]Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr.Peer)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Close disconnects every viewer and refuses new offers.
func (p *Preview) Close() {
	p.mu.Lock()
	p.closed = true
	peers := p.peers
	p.peers = make(map[string]*peer)
	clear(p.tracks)
	p.mu.Unlock()

	for _, pr := range peers {
		_ = pr.pc.Close()
	}
	metrics.SetPreviewPeers(0)
}
