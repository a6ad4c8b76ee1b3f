package transport

import "github.com/jtaka1125-beep/mirage/internal/nal"

// parser turns a source's reads into NAL units.
type parser struct {
	framing Framing
	annexb  *nal.Splitter
	rtp     *nal.Depacketizer
}

func newParser(f Framing) *parser {
	p := &parser{framing: f}
	if f == FramingRTP {
		p.rtp = nal.NewDepacketizer()
	} else {
		p.annexb = nal.NewSplitter()
	}
	return p
}

func (p *parser) push(data []byte) ([]nal.Unit, error) {
	if p.rtp != nil {
		return p.rtp.Push(data)
	}
	var units []nal.Unit
	for u := range p.annexb.Push(data) {
		units = append(units, u)
	}
	return units, nil
}

// counters returns gaps, lost packets and desyncs seen so far.
func (p *parser) counters() (uint64, uint64, uint64) {
	if p.rtp != nil {
		return p.rtp.Gaps(), p.rtp.Lost(), p.rtp.Desyncs()
	}
	return 0, 0, p.annexb.Overflows()
}

func (p *parser) name() string {
	if p.rtp != nil {
		return "rtp"
	}
	return "annexb"
}
