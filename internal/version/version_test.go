package version_test

import (
	"testing"

	v "github.com/quiltfin/gateway/internal/version"
)

func TestGet_Defaults(t *testing.T) {
	info := v.Get()
	if info.AppName != v.AppName {
		t.Fatalf("AppName = %q", info.AppName)
	}
	if info.Version == "" {
		t.Fatal("Version is empty")
	}
}

func TestVCSDirtyTriState(t *testing.T) {
	orig := v.VCSDirty
	defer func() { v.VCSDirty = orig }()

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}
