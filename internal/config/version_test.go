package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name       string
		version    int
		wantReason string
	}{
		{name: "current", version: CurrentVersion},
		{name: "zero", version: 0, wantReason: "missing"},
		{name: "negative", version: -1, wantReason: "missing"},
		{name: "newer than build", version: CurrentVersion + 1, wantReason: "newer than this build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", ve.Reason, tt.wantReason)
			}
		})
	}
}

func TestVersionErrorMessage(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if !strings.Contains(err.Error(), "upgrade pindeploy") {
		t.Errorf("error = %q, want upgrade hint", err.Error())
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should render empty")
	}
}
