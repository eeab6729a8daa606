package ledger

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Key identifies one stock ledger stream: a SKU at a location inside a warehouse.
type Key struct {
	WarehouseID string `json:"warehouse_id"`
	Location    string `json:"location"`
	SKU         string `json:"sku"`
}

// NewKey builds a key, rejecting empty components and the stream separator.
func NewKey(warehouseID, location, sku string) (Key, error) {
	k := Key{WarehouseID: warehouseID, Location: location, SKU: sku}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that all components are present and contain no separator.
func (k Key) Validate() error {
	parts := [][2]string{
		{"warehouse_id", k.WarehouseID},
		{"location", k.Location},
		{"sku", k.SKU},
	}
	for _, p := range parts {
		if strings.TrimSpace(p[1]) == "" {
			return fmt.Errorf("ledger key: %s is required", p[0])
		}
		if strings.ContainsRune(p[1], '|') {
			return fmt.Errorf("ledger key: %s must not contain '|'", p[0])
		}
	}
	return nil
}

// StreamName is the durable stream identity of the ledger for this key.
// e.g. {WH1 A-01 SKU-001} → "stock-WH1|A-01|SKU-001"
func (k Key) StreamName() string {
	return "stock-" + k.WarehouseID + "|" + k.Location + "|" + k.SKU
}

// ViewKey is the row key used by projections keyed per location/SKU.
func (k Key) ViewKey() string {
	return k.WarehouseID + "|" + k.Location + "|" + k.SKU
}

func (k Key) String() string {
	return k.WarehouseID + "/" + k.Location + "/" + k.SKU
}

// LockID maps the key onto the 64-bit space used by Postgres advisory locks.
// Collisions only over-serialize unrelated keys; they never under-serialize.
func (k Key) LockID() int64 {
	h := fnv.New64a()
	h.Write([]byte("stock-guard\x00"))
	h.Write([]byte(k.WarehouseID))
	h.Write([]byte{0})
	h.Write([]byte(k.Location))
	h.Write([]byte{0})
	h.Write([]byte(k.SKU))
	return int64(h.Sum64())
}

// ParseStreamName is the inverse of StreamName.
func ParseStreamName(name string) (Key, error) {
	rest, ok := strings.CutPrefix(name, "stock-")
	if !ok {
		return Key{}, fmt.Errorf("not a stock stream: %q", name)
	}
	parts := strings.Split(rest, "|")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed stock stream: %q", name)
	}
	return NewKey(parts[0], parts[1], parts[2])
}

// SortKeys orders keys deterministically and drops duplicates. Guards are
// always acquired in this order so that multi-key callers cannot deadlock.
func SortKeys(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ViewKey() < out[j].ViewKey()
	})
	return out
}
