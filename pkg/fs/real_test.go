package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/finallevel/nomos/pkg/fs"
)

func TestRealExists(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	exists, err := fsys.Exists(filepath.Join(dir, "missing"))
	if err != nil || exists {
		t.Fatalf("Exists(missing)=(%v,%v), want (false,nil)", exists, err)
	}

	path := filepath.Join(dir, "present")
	if err := fsys.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	exists, err = fsys.Exists(path)
	if err != nil || !exists {
		t.Fatalf("Exists(present)=(%v,%v), want (true,nil)", exists, err)
	}
}

func TestRealAppendAndStat(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "seg")

	// Two appends through separate handles, the way a segment is reopened
	// after a restart.
	for _, chunk := range []string{"abc", "def"} {
		f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}

		if _, err := f.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if err := f.Sync(); err != nil {
			t.Fatalf("Sync: %v", err)
		}

		if err := f.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	info, err := fsys.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Size(), int64(6); got != want {
		t.Fatalf("size=%d, want=%d", got, want)
	}

	data, err := fsys.ReadFile(path)
	if err != nil || string(data) != "abcdef" {
		t.Fatalf("ReadFile=(%q,%v)", data, err)
	}
}
