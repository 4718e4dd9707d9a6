package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func archives(now time.Time, sizes ...int64) []Info {
	out := make([]Info, len(sizes))
	for i, size := range sizes {
		out[i] = Info{
			Path:      filepath.Join("/b", string(rune('a'+i))+Ext),
			Size:      size,
			CreatedAt: now.Add(-time.Duration(i) * 24 * time.Hour),
		}
	}
	return out
}

func paths(infos []Info) []string {
	out := make([]string, len(infos))
	for i, a := range infos {
		out[i] = filepath.Base(a.Path)
	}
	return out
}

func TestPolicies(t *testing.T) {
	now := time.Now()
	all := archives(now, 500, 500, 500, 500, 500)

	tests := []struct {
		name   string
		policy RetentionPolicy
		want   []string
	}{
		{"count", &CountPolicy{MaxCount: 3}, []string{"a" + Ext, "b" + Ext, "c" + Ext}},
		{"count above total", &CountPolicy{MaxCount: 9}, paths(all)},
		{"age", &AgePolicy{MaxAge: 36 * time.Hour}, []string{"a" + Ext, "b" + Ext}},
		{"size", &SizePolicy{MaxTotalBytes: 1200}, []string{"a" + Ext, "b" + Ext}},
		{"size keeps newest", &SizePolicy{MaxTotalBytes: 10}, []string{"a" + Ext}},
		{"union", &CompositePolicy{Policies: []RetentionPolicy{
			&CountPolicy{MaxCount: 1},
			&AgePolicy{MaxAge: 60 * time.Hour},
		}}, []string{"a" + Ext, "b" + Ext, "c" + Ext}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, paths(tt.policy.Apply(all))); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyRetention_PerSimulation(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, "alpha", "beta")
	dir := t.TempDir()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	write := func(sim string, i int) string {
		t.Helper()
		snap, err := s.Load(ctx, sim)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, sim+"-"+string(rune('0'+i))+Ext)
		if _, err := Write(path, &Archive{CreatedAt: base.Add(time.Duration(i) * time.Hour), Snapshot: snap}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return path
	}
	var alpha []string
	for i := range 4 {
		alpha = append(alpha, write("alpha", i))
	}
	write("beta", 0)

	deleted, err := ApplyRetention(dir, "alpha", &CountPolicy{MaxCount: 2})
	if err != nil {
		t.Fatalf("ApplyRetention() error = %v", err)
	}
	if diff := cmp.Diff([]string{alpha[1], alpha[0]}, deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}

	left, err := List(dir, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]string{"alpha-3" + Ext, "alpha-2" + Ext, "beta-0" + Ext}, paths(left)); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestList_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "notes.txt"), "not an archive")
	writeFile(t, filepath.Join(dir, "broken"+Ext), "{not json\n")

	got, err := List(dir, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List() = %v, want none", got)
	}
	if got, err := List(filepath.Join(dir, "missing"), ""); err != nil || got != nil {
		t.Errorf("List(missing) = %v, %v", got, err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"720h", 720 * time.Hour, false},
		{"0d", 0, false},
		{"", 0, true},
		{"abc", 0, true},
		{"3y", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"100MB", 100 << 20, false},
		{"1GB", 1 << 30, false},
		{"500KB", 500 << 10, false},
		{"1024B", 1024, false},
		{" 2 MB ", 2 << 20, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
