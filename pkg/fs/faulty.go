package fs

import (
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// FaultConfig sets the per-operation injection rates (0 disables, 1 fails
// every call) for the operations the engine actually performs. Rates map
// onto engine failure sites: WriteRate and SyncRate hit segment appends
// and binlog frames, OpenRate hits segment rotation and .meta staging,
// ReadRate and ReadDirRate hit load/pack replay, RemoveRate hits pack
// cleanup and retention sweeps, RenameRate hits the atomic .meta commit.
type FaultConfig struct {
	OpenRate    float64
	ReadRate    float64
	WriteRate   float64
	SyncRate    float64
	StatRate    float64
	ReadDirRate float64
	RemoveRate  float64
	RenameRate  float64
}

// Faulty wraps another FS and injects EIO errors at the configured rates,
// driven by a seeded PRNG so a failing run replays deterministically.
// Injection starts disabled: tests build their fixture through the clean
// passthrough, flip SetEnabled(true) around the operation under test, and
// assert on Faults afterwards.
type Faulty struct {
	under   FS
	cfg     FaultConfig
	enabled atomic.Bool
	faults  atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFaulty wraps under with fault injection per cfg, seeded for
// reproducibility. Injection is off until SetEnabled(true).
func NewFaulty(under FS, seed uint64, cfg FaultConfig) *Faulty {
	return &Faulty{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
}

// SetEnabled turns injection on or off. Safe to call concurrently with
// filesystem operations.
func (f *Faulty) SetEnabled(on bool) { f.enabled.Store(on) }

// Faults reports how many errors have been injected so far.
func (f *Faulty) Faults() int64 { return f.faults.Load() }

// inject decides one operation's fate.
func (f *Faulty) inject(rate float64) bool {
	if !f.enabled.Load() || rate <= 0 {
		return false
	}

	f.mu.Lock()
	hit := f.rng.Float64() < rate
	f.mu.Unlock()

	if hit {
		f.faults.Add(1)
	}

	return hit
}

func pathErr(op, path string) error {
	return &os.PathError{Op: op, Path: path, Err: syscall.EIO}
}

func (f *Faulty) Open(path string) (File, error) {
	if f.inject(f.cfg.OpenRate) {
		return nil, pathErr("open", path)
	}

	file, err := f.under.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if f.inject(f.cfg.OpenRate) {
		return nil, pathErr("open", path)
	}

	file, err := f.under.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if f.inject(f.cfg.ReadRate) {
		return nil, pathErr("read", path)
	}

	return f.under.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte, perm os.FileMode) error {
	if f.inject(f.cfg.WriteRate) {
		return pathErr("write", path)
	}

	return f.under.WriteFile(path, data, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if f.inject(f.cfg.ReadDirRate) {
		return nil, pathErr("readdirent", path)
	}

	return f.under.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if f.inject(f.cfg.OpenRate) {
		return pathErr("mkdir", path)
	}

	return f.under.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if f.inject(f.cfg.StatRate) {
		return nil, pathErr("stat", path)
	}

	return f.under.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if f.inject(f.cfg.StatRate) {
		return false, pathErr("stat", path)
	}

	return f.under.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if f.inject(f.cfg.RemoveRate) {
		return pathErr("remove", path)
	}

	return f.under.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if f.inject(f.cfg.RenameRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EIO}
	}

	return f.under.Rename(oldpath, newpath)
}

var _ FS = (*Faulty)(nil)

// faultyFile intercepts the handle-level operations (segment appends,
// replay reads, durability syncs) of a file opened through Faulty.
type faultyFile struct {
	File
	owner *Faulty
	path  string
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if ff.owner.inject(ff.owner.cfg.ReadRate) {
		return 0, pathErr("read", ff.path)
	}

	return ff.File.Read(p)
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.owner.inject(ff.owner.cfg.WriteRate) {
		return 0, pathErr("write", ff.path)
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if ff.owner.inject(ff.owner.cfg.SyncRate) {
		return pathErr("fsync", ff.path)
	}

	return ff.File.Sync()
}

func (ff *faultyFile) Stat() (os.FileInfo, error) {
	if ff.owner.inject(ff.owner.cfg.StatRate) {
		return nil, pathErr("stat", ff.path)
	}

	return ff.File.Stat()
}
