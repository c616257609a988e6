package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// On-disk format: a JSON array of record objects. Binary values (password
// hashes) are not representable in plain JSON, so they are written as a
// tagged object:
//
//	{"__type__": "bytes", "data": "<base64>"}
//
// and restored to []byte on load, byte-exact.

const bytesTag = "bytes"

func encodeRecord(rec Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if b, ok := v.([]byte); ok {
			out[k] = map[string]any{
				"__type__": bytesTag,
				"data":     base64.StdEncoding.EncodeToString(b),
			}
			continue
		}
		out[k] = v
	}
	return out
}

func decodeRecord(raw map[string]any) (Record, error) {
	rec := make(Record, len(raw))
	for k, v := range raw {
		obj, ok := v.(map[string]any)
		if ok && obj["__type__"] == bytesTag {
			data, _ := obj["data"].(string)
			b, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, fmt.Errorf("field %q: bad base64: %w", k, err)
			}
			rec[k] = b
			continue
		}
		rec[k] = v
	}
	return rec, nil
}

// saveCollection rewrites the collection file in full. The temp file is
// renamed over the old one so a crash mid-write leaves the previous contents
// valid.
func saveCollection(path string, recs []Record) error {
	encoded := make([]map[string]any, len(recs))
	for i, rec := range recs {
		encoded[i] = encodeRecord(rec)
	}

	data, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadCollection reads the collection file, creating it empty if absent.
func loadCollection(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := saveCollection(path, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	recs := make([]Record, 0, len(raw))
	for _, m := range raw {
		rec, err := decodeRecord(m)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
