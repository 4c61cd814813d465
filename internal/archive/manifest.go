package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultManifestName is the manifest file expected at the archive root.
const DefaultManifestName = "loopsync.json"

// MaxManifestBytes bounds the inflated manifest size.
const MaxManifestBytes int64 = 1 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Manifest is the app binding declared inside a build archive. Unknown
// fields are ignored.
type Manifest struct {
	AppID     string `json:"app_id"`
	VerifyKey string `json:"verify_key"`
}

// ParseManifest decodes manifest bytes. A missing app_id or verify_key is
// left empty and surfaces later as a mismatch. Anything that is not a JSON
// object with string-typed fields is KindManifestMalformed.
func ParseManifest(data []byte) (Manifest, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return Manifest{}, newError(KindManifestMalformed, "", errors.New("manifest is not valid UTF-8"))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Manifest{}, newError(KindManifestMalformed, "", fmt.Errorf("decode manifest: %w", err))
	}
	if fields == nil {
		// literal null
		return Manifest{}, newError(KindManifestMalformed, "", errors.New("manifest is not a JSON object"))
	}

	var m Manifest
	var err error
	if m.AppID, err = stringField(fields, "app_id"); err != nil {
		return Manifest{}, err
	}
	if m.VerifyKey, err = stringField(fields, "verify_key"); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", newError(KindManifestMalformed, "", fmt.Errorf("field %s must be a string", name))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", newError(KindManifestMalformed, "", fmt.Errorf("field %s: %w", name, err))
	}
	return s, nil
}
