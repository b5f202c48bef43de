package body

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ProgressMarker introduces the progress token in a request target.
const ProgressMarker = "X-Progress-ID="

// TokenLength is the canonical textual UUID length.
const TokenLength = 36

// minTargetLength is a separator, the marker and a full token. A target must
// be strictly longer than this to carry one.
const minTargetLength = 1 + len(ProgressMarker) + TokenLength

// errProgressSync marks a progress record that was written but not flushed.
var errProgressSync = errors.New("body: sync progress")

// Progress is the upload state published to the side file.
type Progress struct {
	State    string `json:"state"`
	Received int64  `json:"received"`
	Size     int64  `json:"size"`
}

// ExtractToken returns the token following ProgressMarker in target. It
// returns false when the target is too short to carry one, has no marker or
// the token is not a canonical 36-character UUID.
func ExtractToken(target string) (string, bool) {
	if len(target) <= minTargetLength {
		return "", false
	}
	idx := strings.Index(target, ProgressMarker)
	if idx < 0 {
		return "", false
	}
	rest := target[idx+len(ProgressMarker):]
	if len(rest) < TokenLength {
		return "", false
	}
	token := rest[:TokenLength]
	if !ValidToken(token) {
		return "", false
	}
	return token, true
}

// ValidToken reports whether token is exactly 8-4-4-4-12 hex groups.
func ValidToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	_, err := uuid.Parse(token)
	return err == nil
}

// progressFile is the side file named <dir>/<token>.js.
type progressFile struct {
	path string
	f    *os.File
	size int64
}

// openProgress is replaced in tests.
var openProgress = createProgress

// createProgress creates the side file exclusively. An existing file means
// another upload owns the token.
func createProgress(dir, token string, size int64) (*progressFile, error) {
	path := filepath.Join(dir, token+".js")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("body: create progress file: %w", err)
	}
	return &progressFile{path: path, f: f, size: size}, nil
}

// update rewrites the record in place and flushes it to disk.
func (p *progressFile) update(received int64) (Progress, error) {
	state := Progress{State: "uploading", Received: received, Size: p.size}
	payload, err := json.Marshal(state)
	if err != nil {
		return state, err
	}
	payload = append(payload, '\r', '\n')
	if _, err := p.f.WriteAt(payload, 0); err != nil {
		return state, fmt.Errorf("body: write progress: %w", err)
	}
	if err := p.f.Truncate(int64(len(payload))); err != nil {
		return state, fmt.Errorf("body: truncate progress: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return state, fmt.Errorf("%w: %w", errProgressSync, err)
	}
	return state, nil
}

// remove closes and unlinks the side file.
func (p *progressFile) remove() error {
	cerr := p.f.Close()
	rerr := os.Remove(p.path)
	if rerr != nil {
		return rerr
	}
	return cerr
}
