package relayflag

import "testing"

func TestEnableDisableToggle(t *testing.T) {
	Disable()
	if Enabled() {
		t.Fatal("expected disabled after Disable")
	}
	Enable()
	if !Enabled() {
		t.Fatal("expected enabled after Enable")
	}
	Disable()
	if Enabled() {
		t.Fatal("expected disabled after Disable again")
	}
}
