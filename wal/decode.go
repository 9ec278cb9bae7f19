package wal

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

var typeMap = pgtype.NewMap()

// DecodeTuple converts a pgoutput tuple into a column-name keyed map using
// the relation's column metadata. Unchanged TOAST columns are omitted.
func DecodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessageV2) (map[string]interface{}, error) {
	if tuple == nil {
		return nil, nil
	}

	values := make(map[string]interface{}, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, &ProtocolError{
				Detail: fmt.Sprintf("tuple has %d columns but relation %s.%s has %d",
					len(tuple.Columns), rel.Namespace, rel.RelationName, len(rel.Columns)),
			}
		}
		colName := rel.Columns[idx].Name
		switch col.DataType {
		case 'n': // null
			values[colName] = nil
		case 'u': // unchanged TOAST value, not present in the stream
		case 't': // text format
			val, err := decodeTextColumnData(col.Data, rel.Columns[idx].DataType)
			if err != nil {
				return nil, &ProtocolError{
					Detail: fmt.Sprintf("decode column %s of %s.%s", colName, rel.Namespace, rel.RelationName),
					cause:  err,
				}
			}
			values[colName] = val
		default:
			return nil, &ProtocolError{
				Detail: fmt.Sprintf("unknown tuple column kind %q", col.DataType),
			}
		}
	}
	return values, nil
}

// KeyFromTuple renders the relation's key columns (replica identity) from a
// decoded row, joined with ':' for use as the broker partition key.
func KeyFromTuple(row map[string]interface{}, rel *pglogrepl.RelationMessageV2) string {
	key := ""
	for _, col := range rel.Columns {
		if col.Flags&1 == 0 { // not part of the key
			continue
		}
		if key != "" {
			key += ":"
		}
		key += fmt.Sprintf("%v", row[col.Name])
	}
	if key == "" {
		// Table without replica identity; fall back to the whole row
		// rendering so partitioning stays deterministic.
		key = fmt.Sprintf("%v", row)
	}
	return key
}

func decodeTextColumnData(data []byte, dataType uint32) (interface{}, error) {
	if dt, ok := typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(typeMap, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}
