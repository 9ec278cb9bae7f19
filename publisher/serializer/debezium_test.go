package serializer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/floodgate/common"
)

func orderCreated() common.ChangeEvent {
	return common.ChangeEvent{
		Schema:    "public",
		Table:     "orders",
		Operation: common.OpCreate,
		Key:       "42",
		After:     map[string]interface{}{"id": int32(42), "total": 19.99, "note": nil},
		LSN:       0x16B3748,
		Xid:       977,
		CommitTS:  1700000000123,
	}
}

func TestSerializeEnvelope(t *testing.T) {
	d, err := NewDebezium("floodgate")
	require.NoError(t, err)

	data, err := d.Serialize(orderCreated())
	require.NoError(t, err)

	var msg struct {
		Schema  envelopeSchema `json:"schema"`
		Payload struct {
			Before map[string]interface{} `json:"before"`
			After  map[string]interface{} `json:"after"`
			Op     string                 `json:"op"`
			TsMs   int64                  `json:"ts_ms"`
			Source struct {
				Connector string `json:"connector"`
				Schema    string `json:"schema"`
				Table     string `json:"table"`
				TxID      uint32 `json:"txId"`
				LSN       uint64 `json:"lsn"`
			} `json:"source"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "c", msg.Payload.Op)
	assert.Nil(t, msg.Payload.Before)
	assert.Equal(t, float64(42), msg.Payload.After["id"])
	assert.Equal(t, int64(1700000000123), msg.Payload.TsMs)
	assert.Equal(t, "floodgate", msg.Payload.Source.Connector)
	assert.Equal(t, "orders", msg.Payload.Source.Table)
	assert.Equal(t, uint32(977), msg.Payload.Source.TxID)
	assert.Equal(t, uint64(0x16B3748), msg.Payload.Source.LSN)

	assert.Equal(t, "public.orders.Envelope", msg.Schema.Name)
	require.NotEmpty(t, msg.Schema.Fields)
	assert.Equal(t, "before", msg.Schema.Fields[0].Field)
}

func TestSchemaCachedAcrossEvents(t *testing.T) {
	d, err := NewDebezium("floodgate")
	require.NoError(t, err)

	first, err := d.Serialize(orderCreated())
	require.NoError(t, err)
	second, err := d.Serialize(orderCreated())
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

func TestSchemaWidensWithNewColumns(t *testing.T) {
	d, err := NewDebezium("floodgate")
	require.NoError(t, err)

	_, err = d.Serialize(orderCreated())
	require.NoError(t, err)

	ev := orderCreated()
	ev.After["discount"] = 0.1
	data, err := d.Serialize(ev)
	require.NoError(t, err)

	var msg struct {
		Schema envelopeSchema `json:"schema"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	var afterFields []schemaField
	for _, f := range msg.Schema.Fields {
		if f.Field == "after" {
			afterFields = f.Fields
		}
	}
	names := make([]string, 0, len(afterFields))
	for _, f := range afterFields {
		names = append(names, f.Field)
	}
	assert.Contains(t, names, "discount")
	assert.Contains(t, names, "id")
}

func TestNullColumnSettlesOnLaterValue(t *testing.T) {
	d, err := NewDebezium("floodgate")
	require.NoError(t, err)

	_, err = d.Serialize(orderCreated())
	require.NoError(t, err)

	ev := orderCreated()
	ev.After["note"] = "rush delivery"
	data, err := d.Serialize(ev)
	require.NoError(t, err)

	var msg struct {
		Schema envelopeSchema `json:"schema"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	for _, f := range msg.Schema.Fields {
		if f.Field != "after" {
			continue
		}
		for _, col := range f.Fields {
			if col.Field == "note" {
				assert.Equal(t, "string", col.Type)
			}
		}
	}
}

func TestTombstoneIsNil(t *testing.T) {
	d, err := NewDebezium("floodgate")
	require.NoError(t, err)
	assert.Nil(t, d.Tombstone("42"))
}

func TestInferType(t *testing.T) {
	assert.Equal(t, "int32", inferType(int32(1)))
	assert.Equal(t, "int64", inferType(int64(1)))
	assert.Equal(t, "double", inferType(1.5))
	assert.Equal(t, "boolean", inferType(true))
	assert.Equal(t, "bytes", inferType([]byte("x")))
	assert.Equal(t, "string", inferType("x"))
	assert.Equal(t, "", inferType(nil))
}
