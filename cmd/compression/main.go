package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/compression"
	"geocache/pkg/replication"

	"github.com/google/uuid"
)

type benchResult struct {
	Codec          string
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	EncodeTime     time.Duration
	DecodeTime     time.Duration
}

// Compares replication body codecs on a batch built from an input file: every line
// becomes one record, the way a bulk load would be replicated.
func main() {
	var (
		input     = flag.String("input", "", "input file; one record per line (synthetic data if empty)")
		records   = flag.Int("records", 256, "records per batch for synthetic data")
		codecList = flag.String("codecs", "identity,gzip,zstd", "comma separated codecs to compare")
	)
	flag.Parse()

	batch, err := buildBatch(*input, *records)
	if err != nil {
		log.Fatalf("build batch: %v", err)
	}

	fmt.Printf("Batch: %d records\n", len(batch.Records))
	for _, name := range strings.Split(*codecList, ",") {
		res, err := benchmark(batch, strings.TrimSpace(name))
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		printResult(res)
	}
}

func buildBatch(path string, synthetic int) (replication.Batch, error) {
	var lines [][]byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return replication.Batch{}, fmt.Errorf("read input: %w", err)
		}
		for _, l := range bytes.Split(data, []byte("\n")) {
			if len(l) > 0 {
				lines = append(lines, l)
			}
		}
	} else {
		for i := 0; i < synthetic; i++ {
			lines = append(lines, []byte(fmt.Sprintf(`{"user":%d,"name":"user-%d","plan":"standard"}`, i, i)))
		}
	}

	b := replication.Batch{ID: uuid.New(), Origin: "bench", Incarnation: uuid.New()}
	for i, l := range lines {
		b.Records = append(b.Records, replication.WireRecord{
			Seq:     uint64(i + 1),
			Key:     fmt.Sprintf("key:%d", i),
			Value:   l,
			Type:    "application/json",
			Version: clock.Version{Region: "bench", Counter: uint64(i + 1)},
		})
	}
	return b, nil
}

func benchmark(b replication.Batch, name string) (benchResult, error) {
	codec, err := compression.ByName(name)
	if err != nil {
		return benchResult{}, err
	}
	plain, err := replication.EncodeBatch(b, compression.None)
	if err != nil {
		return benchResult{}, err
	}

	start := time.Now()
	body, err := replication.EncodeBatch(b, codec)
	if err != nil {
		return benchResult{}, fmt.Errorf("encode: %w", err)
	}
	encodeTime := time.Since(start)

	start = time.Now()
	decoded, err := replication.DecodeBatch(bytes.NewReader(body), codec.Name, int64(len(plain))*2)
	if err != nil {
		return benchResult{}, fmt.Errorf("decode: %w", err)
	}
	decodeTime := time.Since(start)

	if len(decoded.Records) != len(b.Records) {
		return benchResult{}, fmt.Errorf("decoded %d records, want %d", len(decoded.Records), len(b.Records))
	}

	return benchResult{
		Codec:          codec.Name,
		OriginalSize:   len(plain),
		CompressedSize: len(body),
		Ratio:          float64(len(body)) / float64(len(plain)) * 100,
		EncodeTime:     encodeTime,
		DecodeTime:     decodeTime,
	}, nil
}

func printResult(r benchResult) {
	fmt.Printf("\n%s:\n", r.Codec)
	fmt.Printf("  Original: %d bytes\n", r.OriginalSize)
	fmt.Printf("  Compressed: %d bytes\n", r.CompressedSize)
	fmt.Printf("  Ratio: %.2f%%\n", r.Ratio)
	fmt.Printf("  Encode: %v\n", r.EncodeTime)
	fmt.Printf("  Decode: %v\n", r.DecodeTime)
}
