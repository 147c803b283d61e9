package blueprint

import (
	"bytes"
	"encoding/json"

	"github.com/BurntSushi/toml"
)

// knownTopLevelKeys are the struct-tagged fields of Blueprint; anything
// else found during a raw decode is preserved in Extra.
var knownTopLevelKeys = map[string]bool{
	"name": true, "description": true, "version": true,
	"modules": true, "packages": true, "groups": true,
	"customizations": true, "repos": true,
}

// DecodeTOML parses a blueprint TOML document, preserving any
// unrecognized top-level keys in Extra.
func DecodeTOML(data []byte) (Blueprint, error) {
	var bp Blueprint
	if _, err := toml.Decode(string(data), &bp); err != nil {
		return Blueprint{}, err
	}

	var raw map[string]interface{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Blueprint{}, err
	}
	extra := extraFields(raw)
	if len(extra) > 0 {
		bp.Extra = extra
	}
	return bp, nil
}

// DecodeJSON parses a blueprint JSON document, preserving any
// unrecognized top-level keys in Extra.
func DecodeJSON(data []byte) (Blueprint, error) {
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return Blueprint{}, err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Blueprint{}, err
	}
	extra := extraFields(raw)
	if len(extra) > 0 {
		bp.Extra = extra
	}
	return bp, nil
}

func extraFields(raw map[string]interface{}) map[string]interface{} {
	extra := make(map[string]interface{})
	for k, v := range raw {
		if !knownTopLevelKeys[k] {
			extra[k] = v
		}
	}
	return extra
}

// EncodeTOML serializes bp, re-emitting any preserved Extra keys
// alongside the modeled fields.
func EncodeTOML(bp Blueprint) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(bp); err != nil {
		return nil, err
	}
	if len(bp.Extra) == 0 {
		return buf.Bytes(), nil
	}
	// Keys appended after the encoded struct would fall inside its last
	// table, so merge both into one top-level map and encode that.
	var merged map[string]interface{}
	if _, err := toml.Decode(buf.String(), &merged); err != nil {
		return nil, err
	}
	for k, v := range bp.Extra {
		if !knownTopLevelKeys[k] {
			merged[k] = v
		}
	}
	var out bytes.Buffer
	if err := toml.NewEncoder(&out).Encode(merged); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncodeJSON serializes bp as JSON, merging Extra keys into the
// top-level object.
func EncodeJSON(bp Blueprint) ([]byte, error) {
	type alias Blueprint
	b, err := json.Marshal(alias(bp))
	if err != nil {
		return nil, err
	}
	if len(bp.Extra) == 0 {
		return b, nil
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range bp.Extra {
		if _, known := knownTopLevelKeys[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
