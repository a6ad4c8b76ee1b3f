package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jtaka1125-beep/mirage/internal/route"
)

func TestLoadRoutingMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadRouting(filepath.Join(t.TempDir(), "routing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s, route.DefaultSettings()) {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadRoutingPartialFile(t *testing.T) {
	path := writeTOML(t, "priority = [\"tcp\", \"usb\"]\nmain = \"A9-001\"\n")
	s, err := LoadRouting(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Priority, []string{"tcp", "usb"}) || s.Main != "A9-001" {
		t.Errorf("settings = %+v", s)
	}
	if s.MaxFPS != route.DefaultSettings().MaxFPS || !s.AutoAttach {
		t.Errorf("defaults lost: %+v", s)
	}
}

func TestLoadRoutingRejectsInvalid(t *testing.T) {
	path := writeTOML(t, "priority = [\"bridge\"]\n")
	if _, err := LoadRouting(path); err == nil {
		t.Fatal("expected bridge-only priority to be rejected")
	}
}

func TestSaveRoutingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "routing.toml")
	want := route.DefaultSettings()
	want.Priority = []string{"udp", "tcp"}
	want.Bitrate = 4_000_000

	if err := SaveRouting(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadRouting(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
