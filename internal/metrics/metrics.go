// Package metrics holds the prometheus instruments for device routing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mirage"

var (
	nalUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "video",
		Name:      "nal_units_total",
		Help:      "NAL units delivered downstream per device and transport",
	}, []string{"device", "transport"})

	videoBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "video",
		Name:      "bytes_total",
		Help:      "Raw bytes received per device and transport",
	}, []string{"device", "transport"})

	rtpGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "video",
		Name:      "rtp_sequence_gaps_total",
		Help:      "RTP sequence discontinuities per device",
	}, []string{"device"})

	desyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "video",
		Name:      "desync_total",
		Help:      "Framing resynchronizations (discarded data) per device and parser",
	}, []string{"device", "parser"})

	transportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "failures_total",
		Help:      "Transport failures (connect, no data, read error) per device",
	}, []string{"device", "transport", "reason"})

	transportState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "state",
		Help:      "Current transport state per device (1 for the active state)",
	}, []string{"device", "state"})

	bridgeLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "launches_total",
		Help:      "Capture helper bridge launch attempts by result",
	}, []string{"device", "result"})

	commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "sent_total",
		Help:      "Commands completed per device, kind, and final status",
	}, []string{"device", "kind", "status"})

	commandTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "ack_timeouts_total",
		Help:      "Commands without an acknowledgement inside the timeout",
	}, []string{"device"})

	devices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "devices",
		Help:      "Devices known to the registry",
	})

	previewPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "preview",
		Name:      "active_peers",
		Help:      "Active WebRTC preview peers",
	})

	previewKeyframeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "preview",
		Name:      "keyframe_requests_total",
		Help:      "PLI/FIR requests received from preview viewers",
	}, []string{"device"})
)

// States lists every transport state label so the gauge can be zeroed.
var States = []string{"disconnected", "connecting", "connected", "degraded"}

// AddVideo records delivered units and received bytes.
func AddVideo(device, transport string, units, bytes int) {
	if units > 0 {
		nalUnits.WithLabelValues(device, transport).Add(float64(units))
	}
	if bytes > 0 {
		videoBytes.WithLabelValues(device, transport).Add(float64(bytes))
	}
}

// AddRTPGaps records sequence discontinuities.
func AddRTPGaps(device string, n uint64) {
	if n > 0 {
		rtpGaps.WithLabelValues(device).Add(float64(n))
	}
}

// AddDesync records discarded framing state.
func AddDesync(device, parser string, n uint64) {
	if n > 0 {
		desyncs.WithLabelValues(device, parser).Add(float64(n))
	}
}

// IncTransportFailure records one transport failure.
func IncTransportFailure(device, transport, reason string) {
	transportFailures.WithLabelValues(device, transport, reason).Inc()
}

// SetTransportState marks state as the active one for device.
func SetTransportState(device, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		transportState.WithLabelValues(device, s).Set(v)
	}
}

// IncBridgeLaunch records a bridge launch attempt.
func IncBridgeLaunch(device string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	bridgeLaunches.WithLabelValues(device, result).Inc()
}

// IncCommand records a finished command.
func IncCommand(device, kind, status string) {
	commands.WithLabelValues(device, kind, status).Inc()
}

// IncCommandTimeout records an acknowledgement timeout.
func IncCommandTimeout(device string) {
	commandTimeouts.WithLabelValues(device).Inc()
}

// SetDevices sets the registry size.
func SetDevices(n int) {
	devices.Set(float64(n))
}

// SetPreviewPeers sets the number of preview peers.
func SetPreviewPeers(n int) {
	previewPeers.Set(float64(n))
}

// IncKeyframeRequest records a keyframe request from a viewer.
func IncKeyframeRequest(device string) {
	previewKeyframeRequests.WithLabelValues(device).Inc()
}

// DeleteDevice drops every series labelled with device.
func DeleteDevice(device string) {
	l := prometheus.Labels{"device": device}
	for _, v := range []*prometheus.CounterVec{nalUnits, videoBytes, rtpGaps, desyncs, transportFailures, bridgeLaunches, commands, commandTimeouts, previewKeyframeRequests} {
		v.DeletePartialMatch(l)
	}
	transportState.DeletePartialMatch(l)
}
