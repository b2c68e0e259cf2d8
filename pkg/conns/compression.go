package conns

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// GzipCompressionType helps identify which compression/decompression to use.
	GzipCompressionType = "gzip"

	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"
)

// compressBody compresses data per the config type into a fresh buffer.
// Unknown types fall back to gzip.
func compressBody(compression *CompressionConfig, data []byte) ([]byte, error) {
	buffer := &bytes.Buffer{}

	switch compression.Type {
	case ZstdCompressionType:
		zstdWriter, err := zstd.NewWriter(buffer)
		if err != nil {
			return nil, err
		}
		if _, err = zstdWriter.Write(data); err != nil {
			_ = zstdWriter.Close()
			return nil, err
		}
		if err = zstdWriter.Close(); err != nil {
			return nil, err
		}

	case GzipCompressionType:
		fallthrough
	default:
		gzipWriter := gzip.NewWriter(buffer)
		if _, err := gzipWriter.Write(data); err != nil {
			return nil, err
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, err
		}
	}

	return buffer.Bytes(), nil
}

// decompressBody reverses compressBody for the named compression type.
func decompressBody(compressionType string, data []byte) ([]byte, error) {
	switch compressionType {
	case ZstdCompressionType:
		zstdReader, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zstdReader.Close()
		return io.ReadAll(zstdReader)

	case GzipCompressionType:
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		out, err := io.ReadAll(gzipReader)
		if err != nil {
			return nil, err
		}
		if err = gzipReader.Close(); err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, errors.New("unknown compression type: " + compressionType)
	}
}
