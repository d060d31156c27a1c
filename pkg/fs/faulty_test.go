package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/finallevel/nomos/pkg/fs"
)

func TestFaultyPassesThroughWhenDisabled(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal(), 1, fs.FaultConfig{WriteRate: 1, ReadRate: 1})
	path := filepath.Join(t.TempDir(), "f")

	if err := faulty.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("disabled WriteFile: %v", err)
	}

	if _, err := faulty.ReadFile(path); err != nil {
		t.Fatalf("disabled ReadFile: %v", err)
	}

	if got := faulty.Faults(); got != 0 {
		t.Fatalf("faults=%d while disabled", got)
	}
}

func TestFaultyInjectsWriteErrors(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal(), 1, fs.FaultConfig{WriteRate: 1})
	path := filepath.Join(t.TempDir(), "f")

	f, err := faulty.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	faulty.SetEnabled(true)

	if _, err := f.Write([]byte("x")); err == nil {
		t.Fatal("write succeeded at WriteRate=1")
	}

	if got := faulty.Faults(); got == 0 {
		t.Fatal("no fault recorded")
	}

	faulty.SetEnabled(false)

	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatalf("write after disable: %v", err)
	}
}

func TestFaultyIsDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []bool {
		faulty := fs.NewFaulty(fs.NewReal(), 99, fs.FaultConfig{StatRate: 0.5})
		faulty.SetEnabled(true)

		dir := t.TempDir()

		var hits []bool

		for range 32 {
			_, err := faulty.Stat(dir)
			hits = append(hits, err != nil)
		}

		return hits
	}

	first, second := run(), run()

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged at op %d", i)
		}
	}
}
