package projection

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"StockLedger/internal/eventstore"
)

// Checksum hashes view rows in key order. Payloads are canonicalized first
// so a row read back from JSONB hashes the same as the one written. Row
// positions are not part of the checksum.
func Checksum(rows []eventstore.ViewRow) (string, error) {
	sorted := append([]eventstore.ViewRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := sha256.New()
	var lenBuf [8]byte
	for _, r := range sorted {
		canon, err := Canonical(r.Payload)
		if err != nil {
			return "", fmt.Errorf("row %s: %w", r.Key, err)
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(r.Key)))
		h.Write(lenBuf[:])
		h.Write([]byte(r.Key))
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(canon)))
		h.Write(lenBuf[:])
		h.Write(canon)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical re-encodes JSON with sorted object keys and no insignificant
// whitespace. Numbers keep their literal form.
func Canonical(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(v)
}
