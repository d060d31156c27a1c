package nomos

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// topLevelNamePattern matches §3's "[A-Za-z0-9_.\-]{1,16}". A name
// starting with '.' is reserved for dotfiles (the top-level's own .meta)
// and must never be treated as a top-level itself.
var topLevelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,16}$`)

func validTopLevelName(name string) bool {
	if len(name) == 0 || len(name) > maxTopLevelNameLength {
		return false
	}

	if strings.HasPrefix(name, ".") {
		return false
	}

	return topLevelNamePattern.MatchString(name)
}

const metaFileName = ".meta"

func metaPath(dir string) string {
	return filepath.Join(dir, metaFileName)
}

// dataFileName / headerFileName build a segment file name of the form
// data_<now>_<n> / header_<now>_<n> per §6's on-disk layout.
func dataFileName(now int64, n uint32) string {
	return fmt.Sprintf("data_%d_%d", now, n)
}

func headerFileName(now int64, n uint32) string {
	return fmt.Sprintf("header_%d_%d", now, n)
}

// packedFileName is the name a staged file is renamed to once a pack
// commits: a data segment name for the pack time and a fresh sequence
// number, with a "_pack" suffix.
func packedFileName(now int64, n uint32) string {
	return dataFileName(now, n) + "_pack"
}

const (
	filePrefixData   = "data_"
	filePrefixHeader = "header_"
)

func isDataFile(name string) bool {
	return strings.HasPrefix(name, filePrefixData) && !strings.HasPrefix(name, ".")
}

func isHeaderFile(name string) bool {
	return strings.HasPrefix(name, filePrefixHeader) && !strings.HasPrefix(name, ".")
}
