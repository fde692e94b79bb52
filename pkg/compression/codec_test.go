package compression

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	payload := []byte(strings.Repeat(`{"key":"user:1","value":"alice"}`, 200))

	for _, name := range []string{"zstd", "gzip", "none"} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)

			enc, err := c.Encode(payload)
			require.NoError(t, err)
			if c.Name != None.Name {
				assert.Less(t, len(enc), len(payload))
			}

			dec, err := c.Decode(bytes.NewReader(enc), 0)
			require.NoError(t, err)
			assert.Equal(t, payload, dec)
		})
	}
}

func TestCodec_DecodeLimit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 10_000)

	for _, c := range []Codec{Zstd, Gzip, None} {
		t.Run(c.Name, func(t *testing.T) {
			enc, err := c.Encode(payload)
			require.NoError(t, err)

			_, err = c.Decode(bytes.NewReader(enc), 100)
			assert.ErrorIs(t, err, ErrTooLarge)

			dec, err := c.Decode(bytes.NewReader(enc), int64(len(payload)))
			require.NoError(t, err, "a body exactly at the limit is accepted")
			assert.Len(t, dec, len(payload))
		})
	}
}

func TestCodec_DecodeGarbage(t *testing.T) {
	for _, c := range []Codec{Zstd, Gzip} {
		_, err := c.Decode(strings.NewReader("not compressed"), 0)
		assert.Error(t, err, c.Name)
	}

	// a failed decode must not poison the next one
	enc, err := Zstd.Encode([]byte("after garbage"))
	require.NoError(t, err)
	dec, err := Zstd.Decode(bytes.NewReader(enc), 0)
	require.NoError(t, err)
	assert.Equal(t, "after garbage", string(dec))
}

func TestZstd_ConcurrentBatches(t *testing.T) {
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := []byte(strings.Repeat(fmt.Sprintf("peer-%d;", w), 500))
			for i := 0; i < 20; i++ {
				enc, err := Zstd.Encode(payload)
				if err != nil {
					errs <- err
					return
				}
				dec, err := Zstd.Decode(bytes.NewReader(enc), 1<<20)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(dec, payload) {
					errs <- fmt.Errorf("worker %d: payload mismatch", w)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestByName_Unknown(t *testing.T) {
	_, err := ByName("lz4")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}
