package security

import (
	"regexp"
	"strings"
	"testing"
)

func TestExportName(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		hashed bool
	}{
		{"S2A_MSIL1C_20180710", "S2A_MSIL1C_20180710", false},
		{"a_b", "a_b", false},
		{"COPERNICUS/S2/20180710T110621_T30VXP", "COPERNICUS_S2_20180710T110621_T30VXP-", true},
		{"../../etc/passwd", "etc_passwd-", true},
		{"a  b//c", "a_b_c-", true},
		{"..", "unknown-", true},
		{"", "unknown-", true},
		{"tile:30VXP", "tile_30VXP-", true},
	}
	digest := regexp.MustCompile(`-[0-9a-f]{8}$`)
	for _, tc := range tests {
		got := ExportName(tc.id)
		if tc.hashed {
			if !strings.HasPrefix(got, tc.prefix) || !digest.MatchString(got) || len(got) != len(tc.prefix)+hashLen {
				t.Errorf("ExportName(%q) = %q, want %q followed by an 8 digit digest", tc.id, got, tc.prefix)
			}
			continue
		}
		if got != tc.prefix {
			t.Errorf("ExportName(%q) = %q, want %q", tc.id, got, tc.prefix)
		}
	}
}

func TestExportNameIsStable(t *testing.T) {
	id := "COPERNICUS/S2/20180710T110621_T30VXP"
	if ExportName(id) != ExportName(id) {
		t.Error("ExportName is not deterministic")
	}
}

func TestExportNameDistinguishesRewrittenIDs(t *testing.T) {
	long := strings.Repeat("x", 200)
	pairs := [][2]string{
		{"a/b", "a_b"},
		{"a/b", "a:b"},
		{long + "1", long + "2"},
		{"", ".."},
	}
	for _, p := range pairs {
		if a, b := ExportName(p[0]), ExportName(p[1]); a == b {
			t.Errorf("ExportName(%q) and ExportName(%q) both = %q", p[0], p[1], a)
		}
	}
}

func TestExportNameLength(t *testing.T) {
	got := ExportName(strings.Repeat("x", 500))
	if len(got) != maxNameLen {
		t.Errorf("len = %d, want %d", len(got), maxNameLen)
	}
	if got := ExportName(strings.Repeat("x", maxNameLen)); got != strings.Repeat("x", maxNameLen) {
		t.Errorf("name at the limit was rewritten: %q", got)
	}
}
