package nomos

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// computeWinners scans the given segments (oldest first) and returns, per
// key, the highest-tag PUT and the highest-tag entry of any kind — the same
// resolution Load uses, shared here so pack() and Load() never disagree
// about which record is live.
func (t *TopLevelIndex) computeWinners(dataSegs, headerSegs []segmentFile) (map[any]*replayWinner, error) {
	winners := make(map[any]*replayWinner)

	for _, seg := range dataSegs {
		if err := t.replaySegment(seg.name, winners); err != nil {
			return nil, err
		}
	}

	for _, seg := range headerSegs {
		if err := t.replaySegment(seg.name, winners); err != nil {
			return nil, err
		}
	}

	return winners, nil
}

func (t *TopLevelIndex) decodeAllEntries(name string) ([]Entry, error) {
	f, err := t.fsys.Open(filepath.Join(t.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	md, err := DecodeMetaData(f)
	if err != nil || !md.Matches(t.meta) {
		return nil, fmt.Errorf("%w: segment %q of %q", ErrVersionMismatch, name, t.name)
	}

	var out []Entry

	for {
		e, err := DecodeEntry(f, t.meta.SubLevelKeyType, t.meta.ItemKeyType)
		if err != nil {
			break
		}

		out = append(out, e)
	}

	return out, nil
}

// Pack consolidates this top-level's closed data and header segments
// (§4.6). For every PUT record still the live winner by tag, the record is
// rewritten carrying its latest header (absorbing any TOUCH updates);
// superseded or removed records are dropped. A data file needing no
// rewrite at all is left untouched; a file left with no survivors is
// deleted outright; every other touched file's survivors are merged into
// one new consolidated segment. Header files are deleted once their
// effect has been folded into the rewritten data, since nothing else still
// depends on them.
func (t *TopLevelIndex) Pack(now time.Time) error {
	// Pack owns the I/O lock for its whole run (§5): opportunistic syncs
	// decline and requeue while compaction rewrites the closed segments.
	t.io.mu.Lock()
	defer t.io.mu.Unlock()

	activeData, activeHeader := t.io.dataName, t.io.headerName

	dirEntries, err := t.fsys.ReadDir(t.dir)
	if err != nil {
		return err
	}

	var dataNames, headerNames []string

	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}

		name := e.Name()

		switch {
		case isDataFile(name) && name != activeData:
			dataNames = append(dataNames, name)
		case isHeaderFile(name) && name != activeHeader:
			headerNames = append(headerNames, name)
		}
	}

	dataSegs := sortedSegments(dataNames, filePrefixData)
	headerSegs := sortedSegments(headerNames, filePrefixHeader)

	if len(dataSegs) == 0 && len(headerSegs) == 0 {
		return nil
	}

	winners, err := t.computeWinners(dataSegs, headerSegs)
	if err != nil {
		return err
	}

	var survivors []Entry

	var obsolete, consolidated []string

	for _, seg := range dataSegs {
		entries, err := t.decodeAllEntries(seg.name)
		if err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				// Schema-mismatched file: leave it on disk untouched.
				t.log.Errorf("nomos: pack skipping segment %q of %q: %v", seg.name, t.name, err)
				continue
			}

			return err
		}

		fileSurvivors, changed := rewriteSurvivors(entries, winners, now)

		switch {
		case len(fileSurvivors) == 0:
			obsolete = append(obsolete, seg.name)
		case !changed:
			// Fully live, headers already current: nothing to rewrite.
		default:
			survivors = append(survivors, fileSurvivors...)
			consolidated = append(consolidated, seg.name)
		}
	}

	if len(survivors) > 0 {
		if err := t.writePackedFileLocked(now, survivors); err != nil {
			return err
		}
	}

	for _, name := range obsolete {
		if err := t.fsys.Remove(filepath.Join(t.dir, name)); err != nil {
			return err
		}
	}

	for _, name := range consolidated {
		if err := t.fsys.Remove(filepath.Join(t.dir, name)); err != nil {
			return err
		}
	}

	for _, seg := range headerSegs {
		if err := t.fsys.Remove(filepath.Join(t.dir, seg.name)); err != nil {
			return err
		}
	}

	return nil
}

// rewriteSurvivors returns the still-live PUT entries of a decoded data
// file, each carrying its final winning header, plus whether anything
// about the file (a drop or a header update) actually changed.
func rewriteSurvivors(entries []Entry, winners map[any]*replayWinner, now time.Time) ([]Entry, bool) {
	var survivors []Entry

	changed := false

	for _, e := range entries {
		if e.Cmd != CmdPut {
			continue
		}

		key := replayKey(e.SubLevel, e.ItemKey)

		w := winners[key]
		if w == nil || w.put == nil || w.put.Header.Tag != e.Header.Tag || w.overall.Cmd == CmdRemove {
			changed = true
			continue
		}

		finalHeader := w.overall.Header
		finalHeader.Size = e.Header.Size

		if finalHeader.Tombstoned() || finalHeader.Expired(now) {
			changed = true
			continue
		}

		if finalHeader != e.Header {
			changed = true
		}

		survivors = append(survivors, Entry{
			Cmd:      CmdPut,
			Header:   finalHeader,
			SubLevel: e.SubLevel,
			ItemKey:  e.ItemKey,
			Payload:  e.Payload,
		})
	}

	return survivors, changed
}

// writePackedFileLocked stages the consolidated survivors and renames them
// into place in one step. Caller holds t.io.mu.
func (t *TopLevelIndex) writePackedFileLocked(now time.Time, survivors []Entry) error {
	var buf bytes.Buffer

	enc := t.meta.Encode()
	buf.Write(enc[:])

	for _, e := range survivors {
		if err := e.Encode(&buf); err != nil {
			return err
		}
	}

	seq := t.io.dataSeq
	t.io.dataSeq++

	name := packedFileName(now.Unix(), seq)

	return atomic.WriteFile(filepath.Join(t.dir, name), bytes.NewReader(buf.Bytes()))
}
