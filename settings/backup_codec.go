package settings

import (
	"crypto/sha256"
	"encoding/hex"

	"gopkg.in/yaml.v3"
)

func encodeBackupYAML(s *Settings) ([]byte, error) {
	return yaml.Marshal(s)
}

func decodeBackupYAML(content []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
