package nomos

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// segmentFile describes one data_/header_ file on disk, parsed enough to
// sort it into chronological replay order.
type segmentFile struct {
	name string
	ts   int64
	seq  uint32
}

// parseSegmentName splits "<prefix><ts>_<seq>[_pack]" into its timestamp
// and rotation counter.
func parseSegmentName(name, prefix string) (ts int64, seq uint32, ok bool) {
	rest := strings.TrimPrefix(name, prefix)
	rest = strings.TrimSuffix(rest, "_pack")

	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	tsVal, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	seqVal, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}

	return tsVal, uint32(seqVal), true
}

func sortedSegments(names []string, prefix string) []segmentFile {
	out := make([]segmentFile, 0, len(names))

	for _, n := range names {
		ts, seq, ok := parseSegmentName(n, prefix)
		if !ok {
			continue
		}

		out = append(out, segmentFile{name: n, ts: ts, seq: seq})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ts != out[j].ts {
			return out[i].ts < out[j].ts
		}

		return out[i].seq < out[j].seq
	})

	return out
}

// replayWinner tracks, per (subLevel,itemKey), the highest-tag PUT seen (the
// payload source) and the highest-tag entry of any kind (the header
// source), since TOUCH/REMOVE entries carry no payload of their own.
type replayWinner struct {
	put     *Entry
	overall *Entry
}

// Load rebuilds the in-memory index from this top-level's data and header
// segment files, replaying them in chronological order but resolving the
// final state of every key purely by tag dominance (§4.4), so replay order
// within that chronology never changes the result. Entries expired or
// tombstoned as of now are dropped instead of materialized.
func (t *TopLevelIndex) Load(now time.Time) error {
	entries, err := t.fsys.ReadDir(t.dir)
	if err != nil {
		return err
	}

	var dataNames, headerNames []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()

		switch {
		case isDataFile(name):
			dataNames = append(dataNames, name)
		case isHeaderFile(name):
			headerNames = append(headerNames, name)
		}
	}

	dataSegs := sortedSegments(dataNames, filePrefixData)
	headerSegs := sortedSegments(headerNames, filePrefixHeader)

	winners := make(map[any]*replayWinner)

	for _, seg := range dataSegs {
		if err := t.replaySegment(seg.name, winners); err != nil {
			return err
		}
	}

	for _, seg := range headerSegs {
		if err := t.replaySegment(seg.name, winners); err != nil {
			return err
		}
	}

	t.materialize(winners, now)
	t.restoreSeqCounters(dataSegs, headerSegs)

	return nil
}

func (t *TopLevelIndex) replaySegment(name string, winners map[any]*replayWinner) error {
	f, err := t.fsys.Open(filepath.Join(t.dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	md, err := DecodeMetaData(f)
	if err != nil || !md.Matches(t.meta) {
		// Wrong version or key-type schema: treat the whole file as corrupt
		// and skip it rather than misinterpret its records (§7).
		t.log.Errorf("nomos: skipping segment %q of %q: schema mismatch", name, t.name)
		return nil
	}

	for {
		e, err := DecodeEntry(f, t.meta.SubLevelKeyType, t.meta.ItemKeyType)
		if err != nil {
			// Clean EOF ends a well-formed segment; any other error means a
			// truncated final record, an expected crash artifact (§7).
			// Either way, everything decoded before it is kept.
			break
		}

		key := replayKey(e.SubLevel, e.ItemKey)

		w := winners[key]
		if w == nil {
			w = &replayWinner{}
			winners[key] = w
		}

		entry := e

		if w.overall == nil || entry.Dominates(*w.overall) {
			w.overall = &entry
		}

		if entry.Cmd == CmdPut && (w.put == nil || entry.Header.Tag > w.put.Header.Tag) {
			w.put = &entry
		}
	}

	return nil
}

func replayKey(subLevel, itemKey Key) any {
	return [2]any{subLevel.comparableKey(), itemKey.comparableKey()}
}

func (t *TopLevelIndex) materialize(winners map[any]*replayWinner, now time.Time) {
	for _, w := range winners {
		if w.overall == nil || w.overall.Cmd == CmdRemove || w.put == nil {
			continue
		}

		if w.overall.Header.Tombstoned() || w.overall.Header.Expired(now) {
			continue
		}

		sl := t.getOrCreateSubLevel(w.put.SubLevel)
		sh := sl.shardFor(w.put.ItemKey)
		ck := w.put.ItemKey.comparableKey()

		it := &Item{
			header:  w.overall.Header,
			payload: w.put.Payload,
		}
		// overall's header carries the winning tag/liveTo; size must match
		// the payload actually stored, which only the PUT entry carries.
		it.header.Size = uint32(len(w.put.Payload))

		sh.items[ck] = it
	}
}

func (t *TopLevelIndex) restoreSeqCounters(dataSegs, headerSegs []segmentFile) {
	if n := len(dataSegs); n > 0 {
		t.io.dataSeq = dataSegs[n-1].seq + 1
	}

	if n := len(headerSegs); n > 0 {
		t.io.headerSeq = headerSegs[n-1].seq + 1
	}
}
