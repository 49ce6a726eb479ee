package transfer

import (
	"strings"
	"testing"
)

func TestSanitizeFilenameStripsUnsafeChars(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		"a/b\\c:d*e?f\"g<h>i": "b_c_d_e_f_g_h_i",
		"":                    "download",
		".":                  "download",
		"..":                 "download",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFilenameDeHidesLeadingDot(t *testing.T) {
	if got := SanitizeFilename(".bashrc"); got != "_.bashrc" {
		t.Errorf("SanitizeFilename(%q) = %q, want %q", ".bashrc", got, "_.bashrc")
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := SanitizeFilename(long)
	if len(got) != maxFilenameLength {
		t.Fatalf("expected SanitizeFilename to cap at %d chars, got %d", maxFilenameLength, len(got))
	}
}

func TestCheckDiskSpaceRejectsOversizedRequest(t *testing.T) {
	dir := t.TempDir()
	// No real filesystem offers an exabyte of free space; this must fail
	// regardless of the machine running the test.
	if err := CheckDiskSpace(dir, 1<<62, 0); err == nil {
		t.Fatal("expected an error for a request far exceeding any real free space")
	}
}

func TestCheckDiskSpaceAcceptsTinyRequest(t *testing.T) {
	dir := t.TempDir()
	if err := CheckDiskSpace(dir, 1024, 0); err != nil {
		t.Fatalf("expected a tiny request to pass on a usable temp dir: %v", err)
	}
}

func TestCheckDiskSpaceHonorsCustomReserve(t *testing.T) {
	dir := t.TempDir()
	// An explicit reserve far larger than any real free space must fail
	// even for a tiny requested size.
	if err := CheckDiskSpace(dir, 1, 1<<62); err == nil {
		t.Fatal("expected a huge custom reserve to be honored")
	}
}
