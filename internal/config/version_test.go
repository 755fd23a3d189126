package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("ValidateVersion(current) = %v", err)
	}
	for _, v := range []int{-1, CurrentVersion + 1} {
		err := ValidateVersion(v)
		var ve *VersionError
		if !errors.As(err, &ve) || ve.Version != v {
			t.Fatalf("ValidateVersion(%d) = %v, want *VersionError", v, err)
		}
	}
	if msg := ValidateVersion(CurrentVersion + 1).Error(); !strings.Contains(msg, "upgrade") {
		t.Fatalf("newer version message = %q", msg)
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Fatal("nil VersionError should render empty")
	}
}
