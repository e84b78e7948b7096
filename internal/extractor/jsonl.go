package extractor

import (
	"bufio"
	"fmt"
	"os"
)

// maxLineSize bounds a single JSONL record; tool transcripts embed whole
// file contents in tool results.
const maxLineSize = 10 * 1024 * 1024

// ScanJSONL calls fn for every non-empty line of path. A non-nil error
// from fn counts the line as bad and scanning continues.
func ScanJSONL(path string, fn func(line []byte) error) (bad int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			bad++
		}
	}
	if err := scanner.Err(); err != nil {
		return bad, fmt.Errorf("scanning %s: %w", path, err)
	}
	return bad, nil
}
