package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/optimization/cmaes"
)

// FormatVersion is the checkpoint layout written by MarshalBinary.
const FormatVersion uint16 = 1

var magic = [4]byte{'E', 'S', 'C', 'K'}

const headerSize = len(magic) + 2

// Header describes a checkpoint blob.
type Header struct {
	Version uint16
}

// MarshalBinary serializes the complete strategy state, random stream
// included, behind a magic tag and format version.
func (a *Adapter) MarshalBinary() ([]byte, error) {
	const op = "Adapter.MarshalBinary"
	if err := a.ready(op); err != nil {
		return nil, err
	}

	state, err := a.es.Export()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointIO, "encode optimizer state")
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, FormatVersion)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the adapter's state with a blob produced by
// MarshalBinary. The adapter's logger is kept.
func (a *Adapter) UnmarshalBinary(data []byte) error {
	state, _, err := Decode(data)
	if err != nil {
		return err
	}
	es, err := cmaes.Restore(state, a.logger)
	if err != nil {
		return err
	}
	a.es = es
	return nil
}

// Decode parses a checkpoint blob without building a strategy.
func Decode(data []byte) (*cmaes.State, Header, error) {
	const op = "adapter.Decode"

	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, Header{}, errors.New(errors.KindCheckpointIO, "not an optimizer checkpoint").
			WithOperation(op).WithComponent(component)
	}
	h := Header{Version: binary.BigEndian.Uint16(data[len(magic):headerSize])}
	if h.Version != FormatVersion {
		return nil, h, errors.Errorf(errors.KindCheckpointIO, "unsupported checkpoint version %d, want %d", h.Version, FormatVersion).
			WithOperation(op).WithComponent(component)
	}

	var state cmaes.State
	if err := json.Unmarshal(data[headerSize:], &state); err != nil {
		return nil, h, errors.Wrap(err, errors.KindCheckpointIO, "decode optimizer state")
	}
	return &state, h, nil
}

// StateEntropy returns the entropy of a decoded state's search distribution.
func StateEntropy(s *cmaes.State) (float64, error) {
	es, err := cmaes.Restore(s, nil)
	if err != nil {
		return 0, err
	}
	return entropy(es.Sigma(), es.Covariance())
}
