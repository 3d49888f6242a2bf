package models

import (
	"crypto/md5"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
)

// identifierKeys are stripped before hashing so that a configuration hashes
// the same before and after its knowledge base has been built.
var identifierKeys = []string{"knowledge_base_id", "exist_knowledge_base_id", "data_source_ids"}

// KnowledgeBaseHash returns the stable identity of a knowledge base
// configuration: unpadded base32 of the MD5 of its canonical JSON.
func KnowledgeBaseHash(config json.RawMessage) (string, error) {
	canonical, err := StripIdentifiers(config)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "="), nil
}

// StripIdentifiers returns config re-encoded with sorted keys and without the
// identifier fields assigned by a build.
func StripIdentifiers(config json.RawMessage) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(config, &fields); err != nil {
		return nil, fmt.Errorf("knowledge base config: %v: %w", err, ErrInvalidPayload)
	}
	for _, k := range identifierKeys {
		delete(fields, k)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("knowledge base config: %w", err)
	}
	return out, nil
}
