package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	// hashBlockSize is the fixed block size fed into the digest.
	hashBlockSize = 64 * 1024

	// binarySniffWindow bounds how many leading bytes are inspected for NUL.
	binarySniffWindow = 8000

	extractorName    = "evidra-text"
	extractorVersion = "1.0.0"
)

// Record is the provenance identity of one artifact read.
//
// FileHash is always present. TextHash is present only for text content.
// Records are values; a new read produces a new record, never an in-place edit.
type Record struct {
	Path               string `json:"path"`
	FileHash           string `json:"file_hash"`
	TextHash           string `json:"text_hash,omitempty"`
	LastModifiedUnixMs int64  `json:"last_modified_unix_ms"`
	Extractor          string `json:"extractor"`
	ExtractorVersion   string `json:"extractor_version"`
}

// IOError marks an artifact that could not be read. A failed read is always
// surfaced; it is never reported as "unchanged" and no hash is fabricated.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e == nil {
		return "provenance io error"
	}
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ComputeFileHash returns the hex SHA-256 over the raw bytes, fed to the
// digest in fixed-size blocks.
func ComputeFileHash(data []byte) string {
	h := sha256.New()
	for len(data) > 0 {
		n := hashBlockSize
		if n > len(data) {
			n = len(data)
		}
		_, _ = h.Write(data[:n])
		data = data[n:]
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader streams r through the same digest as ComputeFileHash.
func HashReader(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("nil reader")
	}
	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeText rewrites CRLF and lone CR line endings to LF. No other
// transformation is applied, so identical logical content hashes identically
// across platforms.
func NormalizeText(text string) string {
	if !strings.ContainsRune(text, '\r') {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// ComputeTextHash returns the hex SHA-256 of the line-ending-normalized text.
func ComputeTextHash(text string) string {
	h := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(h[:])
}

// IsBinary reports whether data looks like binary content (NUL byte within
// the leading sniff window).
func IsBinary(data []byte) bool {
	window := data
	if len(window) > binarySniffWindow {
		window = window[:binarySniffWindow]
	}
	for _, b := range window {
		if b == 0 {
			return true
		}
	}
	return false
}

// CreateRecord builds the provenance record for one artifact read.
// Binary artifacts get no text hash.
func CreateRecord(path string, data []byte, isBinary bool, lastModified time.Time) Record {
	rec := Record{
		Path:             strings.TrimSpace(path),
		FileHash:         ComputeFileHash(data),
		Extractor:        extractorName,
		ExtractorVersion: extractorVersion,
	}
	if !lastModified.IsZero() {
		rec.LastModifiedUnixMs = lastModified.UnixMilli()
	}
	if !isBinary {
		rec.TextHash = ComputeTextHash(string(data))
	}
	return rec
}

// TrackFile reads path and returns its provenance record. Unreadable
// artifacts surface as *IOError.
func TrackFile(path string) (Record, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return Record{}, &IOError{Path: path, Err: errors.New("empty path")}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Record{}, &IOError{Path: p, Err: err}
	}
	mod := time.Time{}
	if st, err := os.Stat(p); err == nil {
		mod = st.ModTime()
	}
	return CreateRecord(p, data, IsBinary(data), mod), nil
}

// HasChanged re-reads path and compares against the previous hashes.
// A read failure is returned as *IOError, never as "unchanged".
func HasChanged(path string, prevFileHash string, prevTextHash string) (bool, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return false, &IOError{Path: path, Err: errors.New("empty path")}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return false, &IOError{Path: p, Err: err}
	}
	return HasChangedBytes(data, prevFileHash, prevTextHash), nil
}

// HasChangedBytes compares data against the previous hashes.
//
// With no previous hash at all the artifact is treated as changed, forcing
// reprocessing. A differing file hash means changed; when the file hash
// matches and a text hash was supplied, the normalized text hash is compared
// too.
func HasChangedBytes(data []byte, prevFileHash string, prevTextHash string) bool {
	prevFileHash = strings.TrimSpace(prevFileHash)
	prevTextHash = strings.TrimSpace(prevTextHash)
	if prevFileHash == "" && prevTextHash == "" {
		return true
	}
	if prevFileHash != "" && ComputeFileHash(data) != prevFileHash {
		return true
	}
	if prevTextHash != "" && ComputeTextHash(string(data)) != prevTextHash {
		return true
	}
	return false
}
