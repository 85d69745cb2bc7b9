package swap

import (
	"bytes"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
)

var (
	errUnknownCompression = &kernel.Error{Module: "swap", Message: "unknown compression algorithm", Kind: kernel.KindInvalid}
	errCorruptRecord      = &kernel.Error{Module: "swap", Message: "swap record is corrupt", Kind: kernel.KindIO}
)

// Compression selects the transform applied to evicted pages.
type Compression uint8

const (
	// CompressNone stores pages verbatim.
	CompressNone Compression = iota

	// CompressLZ4 stores pages as LZ4 blocks.
	CompressLZ4

	// CompressZlib stores pages as zlib streams.
	CompressZlib

	// CompressZstd stores pages as zstd frames.
	CompressZstd
)

var compressionNames = map[Compression]string{
	CompressNone: "none",
	CompressLZ4:  "lz4",
	CompressZlib: "zlib",
	CompressZstd: "zstd",
}

// String implements fmt.Stringer for Compression.
func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCompression returns the algorithm with the given case-insensitive
// name.
func ParseCompression(name string) (Compression, error) {
	name = strings.ToLower(name)
	for c, n := range compressionNames {
		if n == name {
			return c, nil
		}
	}
	return CompressNone, errUnknownCompression
}

const (
	// maxEntropy is the estimated number of bits per byte above which a
	// page is stored without trying to compress it.
	maxEntropy = 7.0

	// entropySamples is the number of bytes sampled to estimate entropy.
	entropySamples = 512

	// maxRatio is the largest compressed to raw size ratio worth storing.
	maxRatio = 0.875
)

// codec compresses and decompresses swap records. A record is one header
// byte holding the Compression used followed by the payload. It is not safe
// for concurrent use.
type codec struct {
	algo Compression

	lz4 lz4.Compressor
	enc *zstd.Encoder
	dec *zstd.Decoder
	buf bytes.Buffer
}

func newCodec(algo Compression) (*codec, error) {
	if _, ok := compressionNames[algo]; !ok {
		return nil, errUnknownCompression
	}

	c := &codec{algo: algo}

	var err error
	if c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1)); err != nil {
		return nil, err
	}
	if c.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		return nil, err
	}
	return c, nil
}

// close releases the resources held by the zstd coders.
func (c *codec) close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// encodeResult describes how a page was stored.
type encodeResult struct {
	record     []byte
	compressed bool

	// fallback is set when compression was attempted but the raw page was
	// stored.
	fallback bool
}

// encode returns the record for page. Compression is only attempted for
// pages that are expected to shrink; failures and poor ratios fall back to
// a raw record.
func (c *codec) encode(page []byte) encodeResult {
	if c.algo == CompressNone || estimateEntropy(page) > maxEntropy {
		return encodeResult{record: rawRecord(page)}
	}

	payload, err := c.compress(page)
	if err != nil || len(payload) == 0 || float64(len(payload)) > maxRatio*float64(len(page)) {
		if err != nil {
			log.Debugf("%s compression failed, storing page raw: %v", c.algo, err)
		}
		return encodeResult{record: rawRecord(page), fallback: true}
	}

	record := make([]byte, 1+len(payload))
	record[0] = byte(c.algo)
	copy(record[1:], payload)
	return encodeResult{record: record, compressed: true}
}

func rawRecord(page []byte) []byte {
	record := make([]byte, 1+len(page))
	record[0] = byte(CompressNone)
	copy(record[1:], page)
	return record
}

func (c *codec) compress(page []byte) ([]byte, error) {
	switch c.algo {
	case CompressLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(page)))
		n, err := c.lz4.CompressBlock(page, dst)
		if err != nil {
			return nil, err
		}
		// n is zero for incompressible input
		return dst[:n], nil
	case CompressZlib:
		c.buf.Reset()
		w, err := zlib.NewWriterLevel(&c.buf, zlib.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err = w.Write(page); err != nil {
			return nil, err
		}
		if err = w.Close(); err != nil {
			return nil, err
		}
		return append([]byte(nil), c.buf.Bytes()...), nil
	case CompressZstd:
		return c.enc.EncodeAll(page, nil), nil
	default:
		return page, nil
	}
}

// decode fills dst with the page stored in record.
func (c *codec) decode(record, dst []byte) error {
	if len(record) == 0 {
		return errCorruptRecord
	}

	payload := record[1:]
	var (
		n   int
		err error
	)

	switch Compression(record[0]) {
	case CompressNone:
		n = copy(dst, payload)
	case CompressLZ4:
		n, err = lz4.UncompressBlock(payload, dst)
	case CompressZlib:
		var r io.ReadCloser
		if r, err = zlib.NewReader(bytes.NewReader(payload)); err == nil {
			n, err = io.ReadFull(r, dst)
			_ = r.Close()
		}
	case CompressZstd:
		var out []byte
		if out, err = c.dec.DecodeAll(payload, dst[:0]); err == nil {
			n = len(out)
		}
	default:
		return errors.Wrapf(errCorruptRecord, "unknown record type %d", record[0])
	}

	if err != nil {
		return errors.Wrapf(errCorruptRecord, "%s: %v", Compression(record[0]), err)
	}
	if n != len(dst) {
		return errors.Wrapf(errCorruptRecord, "decoded %d of %d bytes", n, len(dst))
	}
	return nil
}

// estimateEntropy returns the Shannon entropy in bits per byte of an evenly
// spaced sample of data.
func estimateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	step := len(data) / entropySamples
	if step == 0 {
		step = 1
	}

	var (
		hist  [256]int
		total int
	)
	for i := 0; i < len(data); i += step {
		hist[data[i]]++
		total++
	}

	var entropy float64
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
