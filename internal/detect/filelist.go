package detect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const filePrefix = "!file "

// expandEntries resolves a compare-list's `!file <path>` directives into
// the literal entries they name, returning a set of all literal entries
// plus whatever the list already contained. `.gz`-suffixed files are
// transparently decompressed.
func expandEntries(list []string) (map[string]bool, error) {
	out := make(map[string]bool, len(list))
	for _, entry := range list {
		if !strings.HasPrefix(entry, filePrefix) {
			out[entry] = true
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(entry, filePrefix))
		if err := readEntriesFile(path, out); err != nil {
			return nil, fmt.Errorf("detect: expanding %q: %w", entry, err)
		}
	}
	return out, nil
}

func readEntriesFile(path string, out map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// One entry per line, trailing whitespace stripped; an empty line
		// is itself a preserved (empty-string) entry, not skipped.
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		out[line] = true
	}
	return scanner.Err()
}
