package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

// spill returns the observation for out. Output over the cap is written in
// full to <output_dir>/<execution>/<call>.txt and the observation carries
// the path plus a head excerpt that keeps it within the cap.
func (r *Runner) spill(st *run, path, callID, out string) (obs, file string, err error) {
	limit := r.cfg.MaxToolOutput
	if len(out) <= limit {
		return out, "", nil
	}
	if r.cfg.OutputDir == "" {
		return "", "", errors.New("no output directory configured")
	}
	dir := filepath.Join(r.cfg.OutputDir, st.ex.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create spill dir: %w", err)
	}
	file = filepath.Join(dir, st.spillName(path, callID)+".txt")
	if err := os.WriteFile(file, []byte(out), 0o644); err != nil {
		return "", "", fmt.Errorf("write spill file: %w", err)
	}

	header := fmt.Sprintf("[output truncated: %d bytes, full output in %s]\n", len(out), file)
	if len(header) >= limit {
		return excerpt(header, limit), file, nil
	}
	return header + excerpt(out, limit-len(header)), file, nil
}

// spillName derives a file name unique within the execution. Models reuse
// call ids across turns and sub-flows, so repeats get a numeric suffix.
func (st *run) spillName(path, callID string) string {
	name := sanitize(callID)
	if name == "" {
		name = "call"
	}
	if path != rootPath {
		name = sanitize(strings.TrimPrefix(path, rootPath+"/")) + "_" + name
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.spills[name]++
	if n := st.spills[name]; n > 1 {
		name += "-" + strconv.Itoa(n)
	}
	return name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == '/' || r == '.':
			return '_'
		}
		return -1
	}, s)
}

// excerpt returns at most n bytes of s without splitting a rune.
func excerpt(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
