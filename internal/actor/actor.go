// Package actor defines the replica identity used throughout ripple: a
// 128-bit id, stable across restarts, identical to the local engine's site
// id for CRDT column-version bookkeeping.
package actor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ID is a replica identity. One actor per running agent process.
type ID uuid.UUID

// Nil is the zero actor id.
var Nil = ID(uuid.Nil)

func New() ID { return ID(uuid.New()) }

func (a ID) String() string { return uuid.UUID(a).String() }

func (a ID) Bytes() []byte { return uuid.UUID(a)[:] }

func (a ID) IsNil() bool { return a == Nil }

// MarshalText implements encoding.TextMarshaler so an ID can be a JSON
// object key in a SyncSummary.
func (a ID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("actor: invalid id %q: %w", text, err)
	}
	*a = ID(u)
	return nil
}

func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("actor: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

func FromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return Nil, fmt.Errorf("actor: invalid id bytes: %w", err)
	}
	return ID(u), nil
}

// LoadOrCreate reads "<basePath>/actor_id" if present, otherwise mints a new
// random id and persists it. The id is stable across restarts: this is what
// lets bookkeeping rows written in a previous process still belong to "us".
func LoadOrCreate(basePath string) (ID, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return Nil, fmt.Errorf("actor: create base path: %w", err)
	}
	path := filepath.Join(basePath, "actor_id")

	raw, err := os.ReadFile(path)
	if err == nil {
		s := strings.TrimSpace(string(raw))
		if s != "" {
			return Parse(s)
		}
	} else if !os.IsNotExist(err) {
		return Nil, fmt.Errorf("actor: read %s: %w", path, err)
	}

	id := New()
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return Nil, fmt.Errorf("actor: persist %s: %w", path, err)
	}
	return id, nil
}
