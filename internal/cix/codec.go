package cix

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() error {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return codecErr
}

// MarshalBlob encodes a blob as zstd-compressed JSON.
func MarshalBlob(s *Scope) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("cix: init codec: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("cix: marshal blob %s: %w", s.Name, err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/3)), nil
}

// UnmarshalBlob decodes a blob written by MarshalBlob.
func UnmarshalBlob(data []byte) (*Scope, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("cix: init codec: %w", err)
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("cix: decompress blob: %w", err)
	}
	var s Scope
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("cix: unmarshal blob: %w", err)
	}
	return &s, nil
}

// MarshalFile encodes a whole scan result as zstd-compressed JSON.
func MarshalFile(f *File) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("cix: init codec: %w", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("cix: marshal file %s: %w", f.Path, err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/3)), nil
}

// UnmarshalFile decodes a file written by MarshalFile.
func UnmarshalFile(data []byte) (*File, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("cix: init codec: %w", err)
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("cix: decompress file: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("cix: unmarshal file: %w", err)
	}
	return &f, nil
}

// Library is a hand-written API description: a set of module blobs for one
// language. Standard libraries and catalogs ship in this form.
type Library struct {
	Name        string   `yaml:"name"`
	Lang        string   `yaml:"lang"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Blobs       []*Scope `yaml:"blobs"`
}

// ParseLibrary reads a YAML API description.
func ParseLibrary(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("cix: parse library: %w", err)
	}
	if lib.Lang == "" {
		return nil, fmt.Errorf("cix: library %q has no lang", lib.Name)
	}
	for _, b := range lib.Blobs {
		if b.Kind == "" {
			b.Kind = KindBlob
		}
		defaultKinds(b)
	}
	return &lib, nil
}

// defaultKinds fills in kinds omitted in hand-written descriptions:
// anything with a signature is a function, anything else a variable.
func defaultKinds(s *Scope) {
	for _, c := range s.Children {
		if c.Kind == "" {
			if c.Signature != "" {
				c.Kind = KindFunction
			} else {
				c.Kind = KindVariable
			}
		}
		defaultKinds(c)
	}
}
