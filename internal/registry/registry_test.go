package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want Endpoint
	}{
		{"A9-001", Endpoint{EndpointUSB, "A9-001"}},
		{"192.168.0.8:5555", Endpoint{EndpointWiFi, "192.168.0.8:5555"}},
		{"[fe80::1]:5555", Endpoint{EndpointWiFi, "[fe80::1]:5555"}},
		{"adb-A9-001-x._adb-tls-connect._tcp", Endpoint{EndpointUSB, "adb-A9-001-x._adb-tls-connect._tcp"}},
		{"emulator-5554", Endpoint{EndpointUSB, "emulator-5554"}},
		{"host:notaport", Endpoint{EndpointUSB, "host:notaport"}},
		{"usb:A9-001", Endpoint{EndpointUSB, "A9-001"}},
		{"wifi:10.0.0.2:40001", Endpoint{EndpointWiFi, "10.0.0.2:40001"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseEndpoint(tt.in); got != tt.want {
				t.Errorf("ParseEndpoint(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRegisterUSBThenWiFiIsOneRecord(t *testing.T) {
	r := newTestRegistry(t, Options{})

	if _, created, err := r.Register("A9-001", ParseEndpoint("A9-001"), ""); err != nil || !created {
		t.Fatalf("first Register: created=%v err=%v", created, err)
	}
	rec, created, err := r.Register("A9-001", ParseEndpoint("192.168.0.8:5555"), "")
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if created {
		t.Error("Wi-Fi sighting created a second record")
	}

	if n := len(r.List()); n != 1 {
		t.Fatalf("List() has %d records, want 1", n)
	}
	if rec.USB != "A9-001" || len(rec.WiFi) != 1 || rec.WiFi[0] != "192.168.0.8:5555" {
		t.Errorf("record endpoints = usb %q wifi %v", rec.USB, rec.WiFi)
	}
	if id, ok := r.Lookup(Endpoint{EndpointWiFi, "192.168.0.8:5555"}); !ok || id != "A9-001" {
		t.Errorf("Lookup = %q, %v", id, ok)
	}
}

func TestRegisterWiFiMostRecentFirstAndCapped(t *testing.T) {
	r := newTestRegistry(t, Options{MaxWiFi: 2})

	for _, addr := range []string{"10.0.0.1:5555", "10.0.0.2:5555", "10.0.0.1:5555", "10.0.0.3:5555"} {
		if _, _, err := r.Register("A9-001", ParseEndpoint(addr), ""); err != nil {
			t.Fatal(err)
		}
	}

	rec, _ := r.Get("A9-001")
	want := []string{"10.0.0.3:5555", "10.0.0.1:5555"}
	if fmt.Sprint(rec.WiFi) != fmt.Sprint(want) {
		t.Errorf("WiFi = %v, want %v", rec.WiFi, want)
	}
	if _, ok := r.Lookup(Endpoint{EndpointWiFi, "10.0.0.2:5555"}); ok {
		t.Error("dropped endpoint still resolves")
	}
}

func TestRegisterAddressMovesBetweenDevices(t *testing.T) {
	r := newTestRegistry(t, Options{})

	r.Register("A9-001", ParseEndpoint("10.0.0.5:5555"), "")
	r.Register("B7-002", ParseEndpoint("10.0.0.5:5555"), "")

	a, _ := r.Get("A9-001")
	if len(a.WiFi) != 0 {
		t.Errorf("old owner kept address: %v", a.WiFi)
	}
	if id, _ := r.Lookup(Endpoint{EndpointWiFi, "10.0.0.5:5555"}); id != "B7-002" {
		t.Errorf("Lookup = %q, want B7-002", id)
	}
	if n := len(r.List()); n != 2 {
		t.Errorf("List() has %d records, want 2", n)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, _, err := r.Register(" ", ParseEndpoint("x"), ""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("err = %v, want ErrEmptyID", err)
	}
	if _, _, err := r.Register("A9-001", Endpoint{Kind: EndpointUSB}, ""); !errors.Is(err, ErrEmptyEndpoint) {
		t.Errorf("err = %v, want ErrEmptyEndpoint", err)
	}
}

func TestRegisterModelSetsDisplayName(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Register("A9-001", ParseEndpoint("A9-001"), "")
	rec, _, _ := r.Register("A9-001", ParseEndpoint("A9-001"), "Pixel_7")
	if rec.DisplayName != "Pixel_7" || rec.Model != "Pixel_7" {
		t.Errorf("record = %+v", rec)
	}

	r.SetDisplayName("A9-001", "bench left")
	rec, _, _ = r.Register("A9-001", ParseEndpoint("A9-001"), "Pixel_7a")
	if rec.DisplayName != "bench left" {
		t.Errorf("display name overwritten: %q", rec.DisplayName)
	}
}

func TestAssignPortIdempotentAndUnique(t *testing.T) {
	r := newTestRegistry(t, Options{BaseVideoPort: 40000})
	r.Register("A9-001", ParseEndpoint("A9-001"), "")
	r.Register("B7-002", ParseEndpoint("B7-002"), "")

	a1, err := r.AssignPort("A9-001")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := r.AssignPort("A9-001")
	b, _ := r.AssignPort("B7-002")

	if a1 != a2 {
		t.Errorf("AssignPort not idempotent: %d then %d", a1, a2)
	}
	if a1 == b {
		t.Errorf("two devices share port %d", a1)
	}
	if a1 != 40000 || b != 40001 {
		t.Errorf("ports = %d, %d", a1, b)
	}

	bp, _ := r.AssignBridgePort("A9-001")
	if bp == a1 || bp == b {
		t.Errorf("bridge port %d collides with a video port", bp)
	}

	if _, err := r.AssignPort("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestAssignPortNotReusedAfterClear(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Register("A9-001", ParseEndpoint("A9-001"), "")
	first, _ := r.AssignPort("A9-001")

	r.ClearEndpoints("A9-001")
	r.Register("B7-002", ParseEndpoint("B7-002"), "")
	other, _ := r.AssignPort("B7-002")
	if other == first {
		t.Errorf("port %d reused after endpoints were cleared", first)
	}

	again, _ := r.AssignPort("A9-001")
	if again != first {
		t.Errorf("A9-001 port changed from %d to %d", first, again)
	}
}

func TestAssignPortConcurrent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	const devices = 20
	for i := range devices {
		r.Register(fmt.Sprintf("dev-%02d", i), ParseEndpoint(fmt.Sprintf("serial-%02d", i)), "")
	}

	var wg sync.WaitGroup
	ports := make([]int, devices)
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.AssignPort(fmt.Sprintf("dev-%02d", i))
			if err != nil {
				t.Error(err)
			}
			ports[i] = p
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p] {
			t.Fatalf("port %d assigned twice", p)
		}
		seen[p] = true
	}
}

func TestDesignateMainExclusive(t *testing.T) {
	bus := events.New()
	changes := make(chan events.MainChangedEvent, 4)
	unsub := bus.Subscribe(func(e events.MainChangedEvent) { changes <- e })
	defer unsub()

	r := newTestRegistry(t, Options{Bus: bus})
	r.Register("A9-001", ParseEndpoint("A9-001"), "")
	r.Register("B7-002", ParseEndpoint("B7-002"), "")

	if _, err := r.DesignateMain("A9-001"); err != nil {
		t.Fatal(err)
	}
	prev, err := r.DesignateMain("B7-002")
	if err != nil {
		t.Fatal(err)
	}
	if prev != "A9-001" {
		t.Errorf("previous = %q, want A9-001", prev)
	}

	mains := 0
	for _, rec := range r.List() {
		if rec.Main {
			mains++
			if rec.HardwareID != "B7-002" {
				t.Errorf("main = %s, want B7-002", rec.HardwareID)
			}
		}
	}
	if mains != 1 {
		t.Errorf("%d records are main, want 1", mains)
	}

	for range 2 {
		select {
		case <-changes:
		case <-time.After(time.Second):
			t.Fatal("missing MainChangedEvent")
		}
	}

	if _, err := r.DesignateMain("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestPruneStaleKeepsRecord(t *testing.T) {
	now := time.Date(2025, 1, 27, 10, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, Options{Now: func() time.Time { return now }})

	r.Register("A9-001", ParseEndpoint("192.168.0.8:5555"), "")
	now = now.Add(time.Minute)
	r.Register("B7-002", ParseEndpoint("B7-002"), "")

	pruned := r.PruneStale(30 * time.Second)
	if len(pruned) != 1 || pruned[0] != "A9-001" {
		t.Fatalf("pruned = %v", pruned)
	}

	rec, ok := r.Get("A9-001")
	if !ok {
		t.Fatal("stale record was deleted")
	}
	if rec.Reachable() {
		t.Errorf("stale record still has endpoints: %+v", rec)
	}
	if b, _ := r.Get("B7-002"); !b.Reachable() {
		t.Error("fresh record lost its endpoint")
	}
}

func TestPruneEndpoint(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Register("A9-001", ParseEndpoint("A9-001"), "")
	r.Register("A9-001", ParseEndpoint("192.168.0.8:5555"), "")

	r.PruneEndpoint("A9-001", ParseEndpoint("A9-001"))
	rec, _ := r.Get("A9-001")
	if rec.USB != "" || len(rec.WiFi) != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "devices.toml")

	r := newTestRegistry(t, Options{Store: NewTOML(path), BaseVideoPort: 41000})
	r.Register("A9-001", ParseEndpoint("A9-001"), "Pixel_7")
	r.Register("B7-002", ParseEndpoint("B7-002"), "")
	pa, _ := r.AssignPort("A9-001")
	pb, _ := r.AssignPort("B7-002")
	r.DesignateMain("B7-002")

	reloaded := newTestRegistry(t, Options{Store: NewTOML(path), BaseVideoPort: 41000})
	a, ok := reloaded.Get("A9-001")
	if !ok {
		t.Fatal("A9-001 not restored")
	}
	if a.VideoPort != pa || a.Model != "Pixel_7" {
		t.Errorf("restored A9-001 = %+v", a)
	}
	if a.Reachable() {
		t.Error("endpoints restored before rediscovery")
	}
	if main, ok := reloaded.Main(); !ok || main.HardwareID != "B7-002" {
		t.Errorf("Main() = %+v, %v", main, ok)
	}

	reloaded.Register("C1-003", ParseEndpoint("C1-003"), "")
	pc, _ := reloaded.AssignPort("C1-003")
	if pc == pa || pc == pb || pc <= pb {
		t.Errorf("new port %d does not resume above persisted ports %d, %d", pc, pa, pb)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := NewTOML(filepath.Join(t.TempDir(), "missing.toml"))
	records, err := s.Load()
	if err != nil || len(records) != 0 {
		t.Errorf("Load = %v, %v", records, err)
	}
}
