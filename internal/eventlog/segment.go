package eventlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Record frame: crc32(IEEE, body) | len(body) | body, both big-endian uint32.
const (
	frameHeader   = 8
	maxRecordSize = 16 << 20
	segmentSuffix = ".log"
)

var ErrCorrupt = errors.New("eventlog: corrupt segment")

func encodeFrame(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	buf := make([]byte, frameHeader+len(body))
	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[frameHeader:], body)
	return buf, nil
}

// readFrames decodes records from r until EOF or the first invalid frame.
// It returns the decoded events, the byte length of the valid prefix, and
// whether a torn or corrupt tail was found.
func readFrames(r io.Reader) ([]Event, int64, bool, error) {
	br := bufio.NewReader(r)
	var (
		out   []Event
		valid int64
		hdr   [frameHeader]byte
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, valid, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return out, valid, true, nil
			}
			return out, valid, false, err
		}
		sum := binary.BigEndian.Uint32(hdr[0:4])
		n := binary.BigEndian.Uint32(hdr[4:8])
		if n == 0 || n > maxRecordSize {
			return out, valid, true, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, valid, true, nil
			}
			return out, valid, false, err
		}
		if crc32.ChecksumIEEE(body) != sum {
			return out, valid, true, nil
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return out, valid, true, nil
		}
		out = append(out, ev)
		valid += int64(frameHeader) + int64(n)
	}
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%020d%s", firstSeq, segmentSuffix)
}

type segmentRef struct {
	path     string
	firstSeq uint64
}

// listSegments returns the segment files of dir ordered by first sequence.
func listSegments(dir string) ([]segmentRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []segmentRef
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, segmentRef{path: filepath.Join(dir, name), firstSeq: first})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].firstSeq < out[j].firstSeq })
	return out, nil
}

func readSegment(path string) ([]Event, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer f.Close()
	return readFrames(f)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
