// Package snapshot defines the portable wire format of a captured agent:
// its scope tree, timers and standard-input listeners.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/codec"
	"github.com/iambrandonn/roam/internal/fsutil"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid snapshot")

// ID derives a content address for the snapshot.
// Format: "snap-" + first 12 hex chars of blake3(JSON(snapshot)).
// encoding/json sorts map keys, so equal snapshots share an id.
func (s *Snapshot) ID() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return "snap-" + checksum.Short(data, 12), nil
}

// Validate checks structural invariants: a root scope, unique scope ids,
// callback URIs that name a scope in the tree, and known value kinds.
func (s *Snapshot) Validate() error {
	if s.Tree == nil {
		return fmt.Errorf("%w: missing tree", ErrInvalid)
	}

	seen := map[string]bool{}
	err := s.Tree.Walk(func(_, sc *Scope) error {
		if sc.ID == "" {
			return fmt.Errorf("%w: scope without id", ErrInvalid)
		}
		if seen[sc.ID] {
			return fmt.Errorf("%w: duplicate scope id %s", ErrInvalid, sc.ID)
		}
		seen[sc.ID] = true
		for id, child := range sc.Children {
			if child == nil || child.ID != id {
				return fmt.Errorf("%w: child key %s does not match scope", ErrInvalid, id)
			}
		}
		for _, group := range []map[string]*Value{sc.Params, sc.Refs, sc.Objects} {
			for name, v := range group {
				if err := validateValue(v); err != nil {
					return fmt.Errorf("%w: scope %s %s: %v", ErrInvalid, sc.ID, name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	check := func(what, uri string) error {
		scope, _, err := ParseURI(uri)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, what, err)
		}
		if !seen[scope] {
			return fmt.Errorf("%w: %s references unknown scope %s", ErrInvalid, what, scope)
		}
		return nil
	}
	for id, tm := range s.Timers {
		switch tm.Type {
		case TimerInterval, TimerTimeout, TimerImmediate:
		default:
			return fmt.Errorf("%w: timer %s has unknown type %q", ErrInvalid, id, tm.Type)
		}
		if err := check("timer "+id, tm.CallbackURI); err != nil {
			return err
		}
	}
	for _, group := range [][]string{s.Stdin.Listeners, s.Stdin.SegmentListeners, s.Stdin.JSONListeners} {
		for _, uri := range group {
			if err := check("stdin listener", uri); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateValue(v *Value) error {
	if v == nil {
		return errors.New("nil value")
	}
	switch v.Type {
	case KindPrimitive:
		if len(v.Value) == 0 {
			return errors.New("primitive without value")
		}
	case KindFunction:
		if v.Source == "" {
			return errors.New("function without source")
		}
	case KindRef:
		if v.Scope == "" || v.Local <= 0 {
			return errors.New("ref without label")
		}
	case KindObject:
		for _, f := range v.Fields {
			if err := validateValue(f); err != nil {
				return err
			}
		}
	case KindArray:
		for _, item := range v.Items {
			if err := validateValue(item); err != nil {
				return err
			}
		}
	case KindBuffer, KindImport, KindNil:
	default:
		return fmt.Errorf("unknown value type %q", v.Type)
	}
	return nil
}

// Encode renders the snapshot as JSON, the form carried in restore
// messages.
func Encode(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses and validates a JSON snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// archiveMagic prefixes snapshot archives on disk.
var archiveMagic = []byte("ROAMSNAP1")

// Marshal encodes the snapshot as a zstd-compressed deterministic CBOR
// archive.
func Marshal(s *Snapshot) ([]byte, error) {
	raw, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, append([]byte(nil), archiveMagic...)), nil
}

// Unmarshal reads an archive produced by Marshal. Plain JSON is accepted
// too so hand-written snapshots can be loaded.
func Unmarshal(data []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return Decode(trimmed)
	}
	if !bytes.HasPrefix(data, archiveMagic) {
		return nil, fmt.Errorf("%w: unrecognized archive header", ErrInvalid)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data[len(archiveMagic):], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var s Snapshot
	if err := codec.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the snapshot archive to path atomically. A .json path
// gets an indented JSON document instead.
func Save(s *Snapshot, path string) error {
	if filepath.Ext(path) == ".json" {
		return fsutil.AtomicWriteJSON(path, s)
	}
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, data)
}

// Load reads a snapshot archive (or JSON document) from path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return Unmarshal(data)
}
