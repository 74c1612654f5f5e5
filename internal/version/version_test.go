package version

import (
	"strings"
	"testing"
)

func TestString_Dirty(t *testing.T) {
	oldVersion, oldDirty := Version, Dirty
	defer func() { Version, Dirty = oldVersion, oldDirty }()

	Version, Dirty = "1.2.0", "true"
	if got := String(); got != "1.2.0-dirty" {
		t.Errorf("String() = %q, want 1.2.0-dirty", got)
	}

	Dirty = "false"
	if got := String(); got != "1.2.0" {
		t.Errorf("String() = %q, want 1.2.0", got)
	}
}

func TestGet_IncludesProtocol(t *testing.T) {
	info := Get()
	if info.Protocol != Protocol {
		t.Errorf("Protocol = %q, want %q", info.Protocol, Protocol)
	}
	if info.GoVersion == "" || info.Platform == "" {
		t.Errorf("runtime fields empty: %+v", info)
	}
}

func TestFull(t *testing.T) {
	full := Full()
	for _, want := range []string{"notedown ", "Protocol:   " + Protocol, "Commit:", "OS/Arch:"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() missing %q\n%s", want, full)
		}
	}
}
