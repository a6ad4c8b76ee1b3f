package route

import (
	"fmt"
	"math"
	"slices"

	"github.com/jtaka1125-beep/mirage/internal/command"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

// Settings is the hot-reloadable routing policy, normally read from routing.toml.
type Settings struct {
	// Priority lists transport kinds in the order they are attempted.
	Priority []string `toml:"priority" json:"priority"`
	// Main is the hardware id that should hold the main designation.
	Main       string `toml:"main" json:"main,omitempty"`
	MaxFPS     int    `toml:"max_fps" json:"max_fps"`
	Bitrate    int    `toml:"bitrate" json:"bitrate"`
	MaxSize    int    `toml:"max_size" json:"max_size"`
	AutoAttach bool   `toml:"auto_attach" json:"auto_attach"`
}

// DefaultSettings prefers USB, then TCP, then UDP.
func DefaultSettings() Settings {
	return Settings{
		Priority:   []string{string(transport.KindUSB), string(transport.KindTCP), string(transport.KindUDP)},
		MaxFPS:     60,
		Bitrate:    8_000_000,
		MaxSize:    1280,
		AutoAttach: true,
	}
}

// Validate checks the priority list and video limits.
func (s Settings) Validate() error {
	if len(s.Priority) == 0 {
		return fmt.Errorf("priority: at least one transport required")
	}
	seen := make(map[transport.Kind]bool, len(s.Priority))
	for _, name := range s.Priority {
		k, ok := transport.ParseKind(name)
		if !ok {
			return fmt.Errorf("priority: unknown transport %q", name)
		}
		if k == transport.KindBridge {
			return fmt.Errorf("priority: %q is entered by escalation only", name)
		}
		if seen[k] {
			return fmt.Errorf("priority: %q listed twice", name)
		}
		seen[k] = true
	}
	if s.MaxFPS < 0 || s.MaxFPS > 0xFFFF {
		return fmt.Errorf("max_fps out of range: %d", s.MaxFPS)
	}
	if s.Bitrate < 0 || int64(s.Bitrate) > math.MaxUint32 {
		return fmt.Errorf("bitrate out of range: %d", s.Bitrate)
	}
	if s.MaxSize < 0 || s.MaxSize > 0xFFFF {
		return fmt.Errorf("max_size out of range: %d", s.MaxSize)
	}
	return nil
}

func (s Settings) order() []transport.Kind {
	out := make([]transport.Kind, 0, len(s.Priority))
	for _, name := range s.Priority {
		if k, ok := transport.ParseKind(name); ok && k != transport.KindBridge {
			out = append(out, k)
		}
	}
	return out
}

func (s Settings) capture() command.Settings {
	return command.Settings{
		MaxFPS:  uint16(s.MaxFPS),
		Bitrate: uint32(s.Bitrate),
		MaxSize: uint16(s.MaxSize),
	}
}

func (s Settings) videoChanged(o Settings) bool {
	return s.MaxFPS != o.MaxFPS || s.Bitrate != o.Bitrate || s.MaxSize != o.MaxSize
}

func (s Settings) priorityChanged(o Settings) bool {
	return !slices.Equal(s.Priority, o.Priority)
}
