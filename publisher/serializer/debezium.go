// Package serializer renders change events into Debezium-compatible JSON
// envelopes with both schema and payload sections, consumable by Kafka
// Connect style sinks and stream processors.
package serializer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/floodgate/common"
)

const schemaCacheSize = 256

// Debezium serializes events as {"schema": ..., "payload": ...}. Column
// types are inferred from decoded row values and cached per table; the
// cache entry widens as new non-null columns are observed.
type Debezium struct {
	connectorName string
	schemaCache   *lru.Cache[string, *envelopeSchema]
}

// NewDebezium creates the serializer.
func NewDebezium(connectorName string) (*Debezium, error) {
	cache, err := lru.New[string, *envelopeSchema](schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Debezium{connectorName: connectorName, schemaCache: cache}, nil
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`

	columnTypes map[string]string
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     interface{}   `json:"type"` // string or nested struct
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type message struct {
	Schema  *envelopeSchema `json:"schema"`
	Payload payload         `json:"payload"`
}

type payload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source source                 `json:"source"`
}

type source struct {
	Connector string `json:"connector"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      uint32 `json:"txId"`
	LSN       uint64 `json:"lsn"`
}

// Serialize converts one change event to the Debezium JSON format.
func (d *Debezium) Serialize(event common.ChangeEvent) ([]byte, error) {
	envelope := d.getOrBuildSchema(event)

	msg := message{
		Schema: envelope,
		Payload: payload{
			Before: event.Before,
			After:  event.After,
			Op:     common.OpString(event.Operation),
			TsMs:   event.CommitTS,
			Source: source{
				Connector: d.connectorName,
				Schema:    event.Schema,
				Table:     event.Table,
				TxID:      event.Xid,
				LSN:       uint64(event.LSN),
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (nil value for broker log
// compaction).
func (d *Debezium) Tombstone(key string) []byte {
	return nil
}

// getOrBuildSchema returns the envelope schema for the event's table,
// widening the cached entry when previously unseen columns appear.
func (d *Debezium) getOrBuildSchema(event common.ChangeEvent) *envelopeSchema {
	key := event.Schema + "." + event.Table

	cached, ok := d.schemaCache.Get(key)
	if ok && !d.widens(cached, event) {
		return cached
	}

	columnTypes := map[string]string{}
	if ok {
		for col, typ := range cached.columnTypes {
			columnTypes[col] = typ
		}
	}
	mergeColumnTypes(columnTypes, event.Before)
	mergeColumnTypes(columnTypes, event.After)

	envelope := buildEnvelopeSchema(event.Schema, event.Table, columnTypes)
	d.schemaCache.Add(key, envelope)
	return envelope
}

// widens reports whether the event carries a column missing from (or
// untyped in) the cached schema.
func (d *Debezium) widens(cached *envelopeSchema, event common.ChangeEvent) bool {
	for _, row := range []map[string]interface{}{event.Before, event.After} {
		for col, val := range row {
			typ, ok := cached.columnTypes[col]
			if !ok {
				return true
			}
			if typ == "" && val != nil {
				return true
			}
		}
	}
	return false
}

func mergeColumnTypes(into map[string]string, row map[string]interface{}) {
	for col, val := range row {
		if existing, ok := into[col]; ok && existing != "" {
			continue
		}
		into[col] = inferType(val)
	}
}

// inferType maps a decoded Go value to a Debezium primitive type name. A
// nil value yields "" so a later non-null observation can settle the type.
func inferType(val interface{}) string {
	switch val.(type) {
	case nil:
		return ""
	case bool:
		return "boolean"
	case int8, int16, int32, uint8, uint16:
		return "int32"
	case int, int64, uint32, uint64:
		return "int64"
	case float32:
		return "float"
	case float64:
		return "double"
	case []byte:
		return "bytes"
	case time.Time:
		return "string"
	default:
		return "string"
	}
}

func buildEnvelopeSchema(schema, table string, columnTypes map[string]string) *envelopeSchema {
	valueSchemaName := schema + "." + table + ".Value"
	envelopeName := schema + "." + table + ".Envelope"

	cols := make([]string, 0, len(columnTypes))
	for col := range columnTypes {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	columnFields := make([]schemaField, 0, len(cols))
	for _, col := range cols {
		typ := columnTypes[col]
		if typ == "" {
			typ = "string"
		}
		columnFields = append(columnFields, schemaField{
			Field:    col,
			Type:     typ,
			Optional: true,
		})
	}

	return &envelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []schemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.floodgate.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "schema", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "txId", Type: "int64"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
		columnTypes: columnTypes,
	}
}
