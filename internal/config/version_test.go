package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{version: CurrentVersion},
		{version: 0, reason: "missing or invalid"},
		{version: -1, reason: "missing or invalid"},
		{version: CurrentVersion + 1, reason: "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Errorf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
			continue
		}
		if ve.Reason != tt.reason {
			t.Errorf("ValidateVersion(%d) reason = %q, want %q", tt.version, ve.Reason, tt.reason)
		}
	}
}

func TestVersionErrorMessages(t *testing.T) {
	var nilErr *VersionError
	if got := nilErr.Error(); got != "" {
		t.Fatalf("nil VersionError = %q", got)
	}
	newer := &VersionError{Version: 2, Current: 1, Reason: "newer than this build"}
	if !strings.Contains(newer.Error(), "upgrade deckhand") {
		t.Fatalf("newer message = %q", newer.Error())
	}
	if (&VersionError{Version: 0, Current: 1}).Error() == "" {
		t.Fatal("empty reason produced an empty message")
	}
}
