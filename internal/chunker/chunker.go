package chunker

import (
	"fmt"

	"kbrag/internal/domain"
)

// Split cuts text into windows of size characters, each starting
// size-overlap characters after the previous one. The last window may be
// shorter. Characters are runes, so multi-byte text is never split mid-rune.
//
// A negative overlap is treated as 0 and an overlap of size or more is
// clamped to size-1 so the window always advances.
func Split(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalid, size)
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	step := size - overlap
	var chunks []string
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks, nil
}
