package hal

import "testing"

func TestResolvePinVirtualBusNameIsMissing(t *testing.T) {
	h := New()
	_, err := h.ResolvePin("STEMMA_I2C")
	if err == nil {
		t.Fatalf("expected error resolving a virtual bus name as a pin")
	}
	hwErr, ok := err.(*HwInitError)
	if !ok {
		t.Fatalf("expected *HwInitError, got %T", err)
	}
	if hwErr.Kind != Missing {
		t.Fatalf("kind = %v, want Missing", hwErr.Kind)
	}
}

func TestHwInitErrorKindString(t *testing.T) {
	cases := map[HwInitErrorKind]string{
		Missing:  "missing",
		Conflict: "conflict",
		Fault:    "fault",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String = %q, want %q", k, got, want)
		}
	}
}

func TestResolvePinUnknownNameIsMissing(t *testing.T) {
	h := New()
	_, err := h.ResolvePin("GP255")
	if err == nil {
		t.Fatalf("expected error resolving a nonexistent pin")
	}
	if hwErr, ok := err.(*HwInitError); !ok || hwErr.Kind != Missing {
		t.Fatalf("expected HwInitError{Kind: Missing}, got %#v", err)
	}
}

func TestInitUartNonexistentDeviceIsMissing(t *testing.T) {
	h := New()
	_, err := h.InitUart(UartConfig{Device: "/dev/does-not-exist-opl-test", BaudRate: 9600})
	if err == nil {
		t.Fatalf("expected error opening a nonexistent uart device")
	}
	hwErr, ok := err.(*HwInitError)
	if !ok {
		t.Fatalf("expected *HwInitError, got %T", err)
	}
	if hwErr.Kind != Missing {
		t.Fatalf("kind = %v, want Missing", hwErr.Kind)
	}
}

func TestCloseOnEmptyHALIsNoop(t *testing.T) {
	h := New()
	if err := h.Close(); err != nil {
		t.Fatalf("Close on a HAL with no open uarts: %v", err)
	}
}
