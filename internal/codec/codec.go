// Package codec is the decompression boundary between a module file's
// on-disk bytes and the raw ELF image depmod and the loader operate on.
// The core treats compression as opaque (spec §1); this package supplies
// the two concrete codecs modprobe.d-era module trees actually use.
package codec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz"
)

// ErrUnknownExtension is returned by DecompressPath when a file's
// extension does not match any registered codec.
var ErrUnknownExtension = errors.New("codec: unrecognized module file extension")

// Codec decompresses a module file's raw bytes into its underlying ELF
// image.
type Codec interface {
	Decompress(data []byte) ([]byte, error)
}

type identityCodec struct{}

func (identityCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: gzip: %w", err)
	}
	return out, nil
}

type xzCodec struct{}

func (xzCodec) Decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: xz: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: xz: %w", err)
	}
	return out, nil
}

// None, Gzip, and XZ are the codecs this package ships.
var (
	None = identityCodec{}
	Gzip = gzipCodec{}
	XZ   = xzCodec{}
)

// ForExtension selects a codec by a module file's compression suffix
// (".gz", ".xz", or "" for an uncompressed ".ko").
func ForExtension(ext string) (Codec, error) {
	switch strings.ToLower(ext) {
	case "", ".ko":
		return None, nil
	case ".gz":
		return Gzip, nil
	case ".xz":
		return XZ, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, ext)
	}
}

// DecompressPath decompresses a module file's contents based on its
// trailing extension (".ko", ".ko.gz", ".ko.xz"), returning the raw
// ELF image. Any other suffix, including an unrecognized compression
// extension such as ".ko.zst", is rejected rather than silently
// treated as uncompressed.
func DecompressPath(path string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, ".ko.gz"):
		return Gzip.Decompress(data)
	case strings.HasSuffix(path, ".ko.xz"):
		return XZ.Decompress(data)
	case strings.HasSuffix(path, ".ko"):
		return None.Decompress(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, path)
	}
}
