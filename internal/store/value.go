package store

import "github.com/ripple-db/ripple/internal/changeset"

// encodeScalar/decodeScalar persist a column value using the exact same
// tagged encoding the wire format uses, so a value read back out of
// __ripple_changes for reconstruction doesn't need a second codec.
func encodeScalar(v any) ([]byte, error) { return changeset.EncodeScalar(v) }

func decodeScalar(raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return changeset.DecodeScalar(raw)
}
