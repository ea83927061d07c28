package phraselog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "recent_phrases.log"))
}

func TestAppendAndRecent_NewestFirst(t *testing.T) {
	l := newTestLog(t)

	if err := l.Append("the fog rolled in over the transmitter", "beware the interchange"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append("third phrase entirely unlike the others"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recent = %v, want 2 entries", got)
	}
	if got[0] != "third phrase entirely unlike the others" {
		t.Fatalf("newest = %q", got[0])
	}
}

func TestRecent_MissingFile(t *testing.T) {
	l := newTestLog(t)
	got, err := l.Recent(20)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("recent on missing file = %v, want empty", got)
	}
}

func TestAppend_SkipsNearDuplicates(t *testing.T) {
	l := newTestLog(t)

	if err := l.Append("tonight the moon is wearing a hat"); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Same phrase with trivial variation must be dropped.
	if err := l.Append("Tonight the moon is wearing a hat!"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("log = %v, want 1 entry", got)
	}
}

func TestRotation_KeepsNewestHalf(t *testing.T) {
	l := newTestLog(t)

	// Seed a file beyond the cap; the next append must rotate it down.
	var b strings.Builder
	for i := 0; b.Len() < sizeCap+8*1024; i++ {
		fmt.Fprintf(&b, "seed phrase number %d with some padding text\n", i)
	}
	if err := os.WriteFile(l.path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := l.Append("a completely fresh closing phrase"); err != nil {
		t.Fatalf("append: %v", err)
	}

	fi, err := os.Stat(l.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() > sizeCap {
		t.Fatalf("log size %d exceeds cap %d after rotation", fi.Size(), sizeCap)
	}

	got, err := l.Recent(1)
	if err != nil || len(got) != 1 {
		t.Fatalf("recent after rotation: %v %v", got, err)
	}
	if got[0] != "a completely fresh closing phrase" {
		t.Fatalf("newest after rotation = %q", got[0])
	}
}
