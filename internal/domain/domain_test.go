package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCallErrorIs(t *testing.T) {
	err := fmt.Errorf("bootstrap: %w", NewCallError(CodeDeviceBusy, errors.New("EBUSY")))
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected errors.Is to match DeviceBusy, got %v", err)
	}
	if errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("DeviceBusy must not match DeviceNotFound")
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != CodeDeviceBusy {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestDeviceMessagesDistinct(t *testing.T) {
	seen := map[string]Code{}
	for _, c := range []Code{CodeDeviceAccessDenied, CodeDeviceNotFound, CodeDeviceBusy} {
		m := c.Message()
		if prev, ok := seen[m]; ok {
			t.Fatalf("%s and %s share message %q", prev, c, m)
		}
		seen[m] = c
	}
	if CodeScreenShareFailed.Fatal() {
		t.Errorf("ScreenShareFailed must be non-fatal")
	}
	if !CodeSignalingTimeout.Fatal() {
		t.Errorf("SignalingTimeout must be fatal")
	}
}

func TestParticipantEnrich(t *testing.T) {
	p := PlaceholderParticipant("peer-1")
	if p.Resolved || p.DisplayName != "peer-1" {
		t.Fatalf("unexpected placeholder %+v", p)
	}
	got, err := p.Enrich(Profile{Role: RoleInitiator, DisplayName: "Ada", AvatarRef: "a.png"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if !got.Resolved || got.DisplayName != "Ada" || got.Role != RoleInitiator || got.AvatarRef != "a.png" {
		t.Fatalf("unexpected enriched %+v", got)
	}
	if _, err := p.Enrich(Profile{DisplayName: strings.Repeat("x", MaxDisplayNameLen+1)}); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("expected ErrDisplayNameTooLong, got %v", err)
	}
}

func TestRoleFor(t *testing.T) {
	if RoleFor(true) != RoleInitiator || RoleFor(false) != RoleInvitee {
		t.Fatal("RoleFor mapping broken")
	}
	if StateConnected.String() != "connected" {
		t.Fatalf("got %q", StateConnected.String())
	}
}
