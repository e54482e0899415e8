// Package scanner turns source files into CIX scope trees.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/jward/codeintel/internal/cix"
)

// SyntaxError is a scan failure caused by the source text.
type SyntaxError struct {
	Path string
	Line int // 1-based
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// ErrUnsupportedLanguage is returned for languages without a scanner.
var ErrUnsupportedLanguage = errors.New("scanner: unsupported language")

// Scanner scans one file in a single attempt. Implementations report
// syntax problems as *SyntaxError and may still return a partial file.
type Scanner interface {
	Scan(ctx context.Context, src []byte, path string) (*cix.File, error)
}

// Renderer turns a CIX file back into source that scans to the same tree.
type Renderer interface {
	Render(f *cix.File) string
}

var (
	mu       sync.RWMutex
	scanners = make(map[string]Scanner)
)

// Register installs s as the scanner for lang, replacing any previous one.
func Register(lang string, s Scanner) {
	mu.Lock()
	defer mu.Unlock()
	scanners[lang] = s
}

// For returns the scanner registered for lang.
func For(lang string) (Scanner, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := scanners[lang]
	return s, ok
}

// Languages returns the languages with a registered scanner.
func Languages() []string {
	mu.RLock()
	defer mu.RUnlock()
	langs := make([]string, 0, len(scanners))
	for l := range scanners {
		langs = append(langs, l)
	}
	return langs
}

// Scan scans content of the given language. Content in an encoding other
// than UTF-8 is transcoded first. On a syntax error the offending line is
// blanked and the scan retried exactly once; if the retry also fails the
// first error is returned together with whatever partial tree the parser
// recovered.
func Scan(ctx context.Context, content []byte, lang, path, encoding string) (*cix.File, error) {
	s, ok := For(lang)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
	src, err := toUTF8(content, encoding)
	if err != nil {
		return nil, err
	}

	file, err := s.Scan(ctx, src, path)
	var serr *SyntaxError
	if err == nil || !errors.As(err, &serr) {
		return file, err
	}

	retry, rerr := s.Scan(ctx, blankLine(src, serr.Line), path)
	if rerr == nil {
		return retry, nil
	}
	if file == nil {
		file = retry
	}
	if file != nil {
		file.Error = serr.Msg
		file.ErrorLine = serr.Line
	}
	return file, serr
}

// blankLine replaces the bytes of a 1-based line with spaces so that byte
// offsets and line numbers of the rest of the file are unchanged.
func blankLine(src []byte, line int) []byte {
	out := bytes.Clone(src)
	start := 0
	for l := 1; l < line; l++ {
		i := bytes.IndexByte(out[start:], '\n')
		if i < 0 {
			return out
		}
		start += i + 1
	}
	end := bytes.IndexByte(out[start:], '\n')
	if end < 0 {
		end = len(out)
	} else {
		end += start
	}
	for i := start; i < end; i++ {
		if out[i] != '\r' {
			out[i] = ' '
		}
	}
	return out
}

func toUTF8(content []byte, encoding string) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	switch enc {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return content, nil
	case "latin-1", "latin_1":
		enc = "latin1"
	}
	e, err := htmlindex.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("scanner: unknown encoding %q: %w", encoding, err)
	}
	out, err := e.NewDecoder().Bytes(content)
	if err != nil {
		return nil, fmt.Errorf("scanner: decode %s: %w", encoding, err)
	}
	return out, nil
}
