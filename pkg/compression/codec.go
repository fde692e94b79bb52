package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnknownCodec = errors.New("compression: unknown codec")
	ErrTooLarge     = errors.New("compression: payload too large")
)

// Codec compresses replication payloads. Name doubles as the HTTP Content-Encoding token.
type Codec struct {
	Name string
	// encode compresses a whole payload; decode streams the decompressed body into w.
	encode func(data []byte) ([]byte, error)
	decode func(r io.Reader, w io.Writer) error
}

var (
	Zstd = Codec{Name: "zstd", encode: encodeZstd, decode: decodeZstd}
	Gzip = Codec{Name: "gzip", encode: encodeGzip, decode: decodeGzip}
	None = Codec{Name: "identity"}
)

// ByName resolves a codec from configuration or a Content-Encoding header.
// An empty name means no compression.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none", None.Name:
		return None, nil
	case Zstd.Name:
		return Zstd, nil
	case Gzip.Name:
		return Gzip, nil
	}
	return Codec{}, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func (c Codec) Encode(data []byte) ([]byte, error) {
	if c.encode == nil {
		return data, nil
	}
	out, err := c.encode(data)
	if err != nil {
		return nil, fmt.Errorf("compression: %s encode: %w", c.Name, err)
	}
	return out, nil
}

// Decode reads at most limit decompressed bytes (limit <= 0 means unbounded). A body
// that decompresses past the limit fails with ErrTooLarge.
func (c Codec) Decode(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	w := boundedWriter(&buf, limit)

	if c.decode == nil {
		if _, err := io.Copy(w, r); err != nil {
			return nil, fmt.Errorf("compression: read body: %w", err)
		}
		return buf.Bytes(), nil
	}
	if err := c.decode(r, w); err != nil {
		return nil, fmt.Errorf("compression: %s decode: %w", c.Name, err)
	}
	return buf.Bytes(), nil
}

func boundedWriter(w io.Writer, limit int64) io.Writer {
	if limit <= 0 {
		return w
	}
	return &limitedWriter{w: w, left: limit}
}

type limitedWriter struct {
	w    io.Writer
	left int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > lw.left {
		return 0, ErrTooLarge
	}
	n, err := lw.w.Write(p)
	lw.left -= int64(n)
	return n, err
}
