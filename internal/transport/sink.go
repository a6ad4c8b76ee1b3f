package transport

import "github.com/jtaka1125-beep/mirage/internal/nal"

// Sink receives complete NAL units in arrival order, per device. Units are
// owned by the sink once delivered.
type Sink interface {
	HandleUnit(hardwareID string, u nal.Unit)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(hardwareID string, u nal.Unit)

// HandleUnit implements Sink.
func (f SinkFunc) HandleUnit(hardwareID string, u nal.Unit) { f(hardwareID, u) }

// MultiSink fans units out to several sinks in order.
type MultiSink []Sink

// HandleUnit implements Sink.
func (m MultiSink) HandleUnit(hardwareID string, u nal.Unit) {
	for _, s := range m {
		s.HandleUnit(hardwareID, u)
	}
}
