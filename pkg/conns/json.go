package conns

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts to ClientConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*ClientConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ClientConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// SnapshotBody is the plaintext envelope around a serialized set of directory
// entries. Data is the entry payload after the recorded modifications.
type SnapshotBody struct {
	SnapshotID  uuid.UUID `json:"SnapshotID"`
	UTCDateTime string    `json:"UTCDateTime"`
	Compressed  bool      `json:"Compressed"`
	CType       string    `json:"CType,omitempty"`
	Encrypted   bool      `json:"Encrypted"`
	EType       string    `json:"EType,omitempty"`
	Data        []byte    `json:"Data"`
}

// CreateSnapshot serializes entries into a SnapshotBody envelope, optionally
// compressing and then encrypting the inner payload.
func CreateSnapshot(
	entries []*Entry,
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	innerData, err := json.Marshal(&entries)
	if err != nil {
		return nil, err
	}

	body := &SnapshotBody{
		SnapshotID:  uuid.New(),
		UTCDateTime: time.Now().UTC().Format(time.RFC3339),
	}

	if compression != nil && compression.Enabled {
		innerData, err = compressBody(compression, innerData)
		if err != nil {
			return nil, err
		}

		// Data is now compressed
		body.Compressed = true
		body.CType = compression.Type
		if body.CType == "" {
			body.CType = GzipCompressionType
		}
	}

	if encryption != nil && encryption.Enabled {
		innerData, err = EncryptWithAes(innerData, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return nil, err
		}

		// Data is now encrypted
		body.Encrypted = true
		body.EType = AesSymmetricType
	}

	body.Data = innerData

	return json.Marshal(body)
}

// ReadSnapshot reverses CreateSnapshot: it unwraps the envelope, decrypts and
// decompresses per the envelope flags, and returns the entries.
func ReadSnapshot(data []byte, encryption *EncryptionConfig) ([]*Entry, error) {

	var json = jsoniter.ConfigFastest
	body := &SnapshotBody{}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, err
	}

	innerData := body.Data
	var err error

	if body.Encrypted {
		if encryption == nil || len(encryption.Hashkey) == 0 {
			return nil, errors.New("snapshot is encrypted and no hashkey was provided")
		}
		innerData, err = DecryptWithAes(innerData, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return nil, err
		}
	}

	if body.Compressed {
		innerData, err = decompressBody(body.CType, innerData)
		if err != nil {
			return nil, err
		}
	}

	var entries []*Entry
	if err = json.Unmarshal(innerData, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}
