// Package checkpoint saves and restores a model's parameter tree.
//
// A checkpoint is one gob-encoded record holding the model configuration, the
// parameters in Model.Parameters order and an xxhash64 digest of their names
// and values. Reading rebuilds the model from the stored configuration and
// overwrites every parameter, so restored models produce bit-identical logits.
package checkpoint

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"

	"minigpt/internal/config"
	"minigpt/internal/model"
)

// FormatVersion is bumped whenever the record layout changes.
const FormatVersion = 1

var (
	ErrVersion          = errors.New("unsupported checkpoint version")
	ErrDigestMismatch   = errors.New("checkpoint digest mismatch")
	ErrDeviceMismatch   = errors.New("checkpoint device mismatch")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrMissingParameter = errors.New("missing parameter")
	ErrShapeMismatch    = errors.New("parameter shape mismatch")
)

type record struct {
	Version int
	Config  config.Model
	Tensors []tensorRecord
	Digest  uint64
}

type tensorRecord struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write encodes m to w.
func Write(w io.Writer, m *model.Model) error {
	rec := record{Version: FormatVersion, Config: m.Config()}
	for _, p := range m.Parameters() {
		rec.Tensors = append(rec.Tensors, tensorRecord{
			Name:  p.Name,
			Shape: p.Shape(),
			Data:  slices.Clone(p.Data()),
		})
	}
	rec.Digest = digest(rec.Tensors)

	if err := gob.NewEncoder(w).Encode(&rec); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return nil
}

// Read decodes a checkpoint and restores it onto device. An empty device
// keeps the one stored in the checkpoint.
func Read(r io.Reader, device config.Device) (*model.Model, error) {
	var rec record
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if rec.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, rec.Version)
	}
	if got := digest(rec.Tensors); got != rec.Digest {
		return nil, fmt.Errorf("%w: stored %016x, computed %016x", ErrDigestMismatch, rec.Digest, got)
	}

	cfg := rec.Config
	if device != "" {
		if err := device.Validate(); err != nil {
			return nil, err
		}
		if device != cfg.Device {
			return nil, fmt.Errorf("%w: saved on %s, requested %s", ErrDeviceMismatch, cfg.Device, device)
		}
	}

	m, err := model.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("rebuilding model: %w", err)
	}

	restored := make(map[string]bool, len(rec.Tensors))
	for _, tr := range rec.Tensors {
		p, ok := m.Parameter(tr.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, tr.Name)
		}
		if !slices.Equal(p.Shape(), tr.Shape) || len(tr.Data) != len(p.Data()) {
			return nil, fmt.Errorf("%w: %s is %v, checkpoint has %v", ErrShapeMismatch, tr.Name, p.Shape(), tr.Shape)
		}
		copy(p.Data(), tr.Data)
		restored[tr.Name] = true
	}
	for _, p := range m.Parameters() {
		if !restored[p.Name] {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, p.Name)
		}
	}
	return m, nil
}

// SaveFile writes m to path.
func SaveFile(path string, m *model.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads the checkpoint at path.
func LoadFile(path string, device config.Device) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, device)
}

func digest(tensors []tensorRecord) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, t := range tensors {
		h.WriteString(t.Name)
		for _, d := range t.Shape {
			binary.LittleEndian.PutUint32(buf[:], uint32(d))
			h.Write(buf[:])
		}
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}
