package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidatePath(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	sub := filepath.Join(allowed, "the_ville")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		allowed []string
		wantErr bool
	}{
		{"inside", filepath.Join(allowed, "run-1.reverie.zst"), []string{allowed}, false},
		{"nested", filepath.Join(sub, "run-1.reverie.zst"), []string{allowed}, false},
		{"the directory itself", allowed, []string{allowed}, false},
		{"missing parents", filepath.Join(allowed, "a", "b", "c.zst"), []string{allowed}, false},
		{"second allowed dir", filepath.Join(other, "x.zst"), []string{allowed, other}, false},
		{"dot-dot escape", filepath.Join(allowed, "..", "escape.zst"), []string{allowed}, true},
		{"other dir", filepath.Join(other, "x.zst"), []string{allowed}, true},
		{"prefix sibling", allowed + "-evil/x.zst", []string{allowed}, true},
		{"empty", "", []string{allowed}, true},
		{"no allowed dirs", filepath.Join(allowed, "x.zst"), nil, true},
		{"null byte", filepath.Join(allowed, "x\x00.zst"), []string{allowed}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path, tt.allowed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutside) {
				t.Errorf("ValidatePath() error = %v, want ErrOutside", err)
			}
		})
	}
}

func TestValidatePath_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	allowed := t.TempDir()
	outside := t.TempDir()

	escape := filepath.Join(allowed, "escape")
	if err := os.Symlink(outside, escape); err != nil {
		t.Fatal(err)
	}
	if err := ValidatePath(filepath.Join(escape, "x.zst"), []string{allowed}); err == nil {
		t.Error("ValidatePath() followed a symlink out of the allowed dir")
	}

	link := filepath.Join(outside, "archives")
	if err := os.Symlink(allowed, link); err != nil {
		t.Fatal(err)
	}
	if err := ValidatePath(filepath.Join(link, "x.zst"), []string{allowed}); err != nil {
		t.Errorf("ValidatePath() through a symlink into the allowed dir error = %v", err)
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", ""},
		{"run.zst", "run.zst"},
		{"/run.zst", "run.zst"},
		{"/home/ada/.reverie/backups/run.zst", ".../backups/run.zst"},
	}
	for _, tt := range tests {
		if got := RedactPath(tt.path); got != tt.want {
			t.Errorf("RedactPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
