package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/textproc"
)

// NoTable is the table hash used when no placeholder table applies
const NoTable = "no-table"

// KeyBuilder derives cache and deduplication keys from translation requests
type KeyBuilder struct {
	// Marshal serializes the placeholder table before hashing. Defaults to json.Marshal.
	Marshal func(v any) ([]byte, error)
}

// NewKeyBuilder creates a key builder using JSON table serialization
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{Marshal: json.Marshal}
}

// Build returns engine:textHash:tableHash:to:type.
// Engine and target language stay readable so collisions can be diagnosed.
func (b *KeyBuilder) Build(text, engine string, table tataru.Table, to string, typ tataru.TextType) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", engine, HashText(text), b.TableHash(table), to, typ)
}

// BuildFor builds the key of a request
func (b *KeyBuilder) BuildFor(req *tataru.Request, table tataru.Table) string {
	return b.Build(req.Text, req.Engine, table, req.To, req.Type)
}

// HashText hashes the normalized form of text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(textproc.NormalizeKey(text)))
	return hex.EncodeToString(sum[:])
}

// TableHash hashes the ordered placeholder pairs.
// Structurally equal tables hash equally. If serialization fails the hash
// degrades to one based only on the table length.
func (b *KeyBuilder) TableHash(table tataru.Table) string {
	if len(table) == 0 {
		return NoTable
	}

	pairs := make([][2]string, len(table))
	for i, p := range table {
		pairs[i] = [2]string{p.Code, p.Replacement}
	}

	marshal := b.Marshal
	if marshal == nil {
		marshal = json.Marshal
	}

	data, err := marshal(pairs)
	if err != nil {
		return fmt.Sprintf("table-len-%d", len(table))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
