package ble

import "testing"

func TestExpandUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"180d", HeartRateServiceUUID},
		{"180D", HeartRateServiceUUID},
		{"0x2A37", HeartRateMeasurementUUID},
		{"0000180d", HeartRateServiceUUID},
		{" 2a38 ", BodySensorLocationUUID},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	}
	for _, tt := range tests {
		if got := ExpandUUID(tt.in); got != tt.want {
			t.Errorf("ExpandUUID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKnownCapabilities(t *testing.T) {
	caps, ok := KnownCapabilities("00002A37-0000-1000-8000-00805F9B34FB")
	if !ok || !caps.Notifiable || caps.Readable || caps.Writable {
		t.Errorf("2A37 = %+v, %v; want notify only", caps, ok)
	}
	caps, ok = KnownCapabilities(BodySensorLocationUUID)
	if !ok || !caps.Readable || caps.Notifiable {
		t.Errorf("2A38 = %+v, %v; want read only", caps, ok)
	}
	caps, ok = KnownCapabilities(HeartRateControlUUID)
	if !ok || !caps.Writable || caps.Notifiable {
		t.Errorf("2A39 = %+v, %v; want write only", caps, ok)
	}
	if _, ok := KnownCapabilities("00002a19-0000-1000-8000-00805f9b34fb"); ok {
		t.Error("battery level should not be a known heart rate characteristic")
	}
}

func TestEventKindString(t *testing.T) {
	if got := EventNotification.String(); got != "notification" {
		t.Errorf("EventNotification.String() = %q", got)
	}
	if got := EventKind(99).String(); got != "unknown" {
		t.Errorf("EventKind(99).String() = %q, want unknown", got)
	}
}

func TestNewTinyGoAdapterServiceFilter(t *testing.T) {
	a, err := NewTinyGoAdapter(TinyGoOptions{ServiceFilter: []string{"180d", "0000180f"}})
	if err != nil {
		t.Fatalf("NewTinyGoAdapter() error = %v", err)
	}
	if len(a.serviceFilter) != 2 {
		t.Errorf("serviceFilter has %d entries, want 2", len(a.serviceFilter))
	}
	if a.serviceFilter[0].String() != HeartRateServiceUUID {
		t.Errorf("serviceFilter[0] = %s, want %s", a.serviceFilter[0], HeartRateServiceUUID)
	}

	if _, err := NewTinyGoAdapter(TinyGoOptions{ServiceFilter: []string{"not-a-uuid"}}); err == nil {
		t.Error("NewTinyGoAdapter() should reject a malformed service UUID")
	}

	a, err = NewTinyGoAdapter(TinyGoOptions{})
	if err != nil {
		t.Fatalf("NewTinyGoAdapter() error = %v", err)
	}
	if a.serviceFilter != nil {
		t.Error("empty filter should discover all services")
	}
}

func TestTinyGoAdapterRejectsUnknownPeripheral(t *testing.T) {
	a, err := NewTinyGoAdapter(TinyGoOptions{})
	if err != nil {
		t.Fatalf("NewTinyGoAdapter() error = %v", err)
	}
	if err := a.Connect("AA:BB:CC:DD:EE:FF"); err == nil {
		t.Error("Connect() to an unseen peripheral should fail")
	}
	if err := a.DiscoverServices("AA:BB:CC:DD:EE:FF"); err == nil {
		t.Error("DiscoverServices() without a link should fail")
	}
	if err := a.Disconnect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Errorf("Disconnect() should always succeed locally, got %v", err)
	}
	if err := a.StopScan(); err != nil {
		t.Errorf("StopScan() should be idempotent, got %v", err)
	}
}
