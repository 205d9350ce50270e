// Package artifact persists step outputs as immutable blobs and reads
// them back by location. Locations are store-relative and write-once:
// a second write to the same location fails rather than overwrites.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound reports a read of a location with no stored blob.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists reports an attempt to overwrite a stored blob.
	ErrExists = errors.New("artifact already exists")
)

// Ref points at one persisted artifact. Location is relative to the
// store root, so refs stay valid for any store rooted at the same
// layout. Digest is the BLAKE3 hex digest of the stored bytes.
type Ref struct {
	Location string `json:"location"`
	Digest   string `json:"digest"`
	Type     string `json:"type"`
	Codec    string `json:"codec"`
	Size     int64  `json:"size"`
}

// Key addresses one output of one step execution within a run. Its
// fields become path segments of the stored location.
type Key struct {
	Pipeline string
	Run      string
	Step     string
	Output   string
}

func (k Key) validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"pipeline", k.Pipeline},
		{"run", k.Run},
		{"step", k.Step},
		{"output", k.Output},
	}
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("%s %q is not a valid path segment", f.name, f.value)
		}
	}
	return nil
}

func (k Key) location() string {
	return k.Pipeline + "/" + k.Run + "/" + k.Step + "/" + k.Output
}

// Store persists immutable blobs. Write returns the store-relative
// location of the new blob and fails with ErrExists when the location
// is already occupied.
type Store interface {
	Write(ctx context.Context, key Key, data []byte) (string, error)
	Read(ctx context.Context, location string) ([]byte, error)
	Exists(ctx context.Context, location string) (bool, error)
}

// Digest returns the BLAKE3 hex digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
