package compression

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// One encoder serves every batch: EncodeAll is safe for concurrent use.
var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdEncErr  error
)

// Stream decoders are not concurrent; senders of different peers decode in parallel.
var zstdDecoders = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		return dec
	},
}

func encodeZstd(data []byte) ([]byte, error) {
	zstdEncOnce.Do(func() {
		zstdEnc, zstdEncErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if zstdEncErr != nil {
		return nil, zstdEncErr
	}
	return zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decodeZstd(r io.Reader, w io.Writer) error {
	got := zstdDecoders.Get()
	dec, ok := got.(*zstd.Decoder)
	if !ok {
		return got.(error)
	}
	if err := dec.Reset(r); err != nil {
		dec.Close()
		return err
	}

	_, err := io.Copy(w, dec)
	if err != nil {
		// a decoder stopped mid-frame is not reused
		dec.Close()
		return err
	}
	// drop the reference to r before pooling
	_ = dec.Reset(nil)
	zstdDecoders.Put(dec)
	return nil
}
