package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"capline/internal/domain"
)

var ErrDecode = errors.New("catalog decode failed")

// Source supplies raw catalog bytes (YAML or JSON).
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	String() string
}

type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return s.Path }

type BytesSource struct {
	Name string
	Data []byte
}

func (s BytesSource) Read(context.Context) ([]byte, error) { return s.Data, nil }

func (s BytesSource) String() string {
	if s.Name == "" {
		return "<memory>"
	}
	return s.Name
}

// Decode parses a catalog document. JSON input is accepted since it is valid YAML.
func Decode(data []byte) (domain.Catalog, error) {
	var c domain.Catalog
	if len(bytes.TrimSpace(data)) == 0 {
		return c, fmt.Errorf("%w: empty document", ErrDecode)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return domain.Catalog{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return c, nil
}
