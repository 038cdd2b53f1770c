package repl

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"oplogmirror/oplog"
)

// decoder parses WAL messages into change records
type decoder struct {
	relations  map[uint32]*pglogrepl.RelationMessageV2
	typeMap    *pgtype.Map
	tableSet   tableSet
	tokens     tokenAssigner
	commitTime time.Time
	inStream   bool
}

// newDecoder creates a WAL message decoder whose tokens continue after from
func newDecoder(tables tableSet, from oplog.Token) *decoder {
	return &decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		typeMap:   pgtype.NewMap(),
		tableSet:  tables,
		tokens:    tokenAssigner{lastTime: from.Time, lastSeq: from.Seq},
		inStream:  false,
	}
}

// tokenAssigner hands out ordered tokens: the transaction commit second plus
// a sequence number that distinguishes records within the same second.
type tokenAssigner struct {
	lastTime int64
	lastSeq  uint32
}

func (a *tokenAssigner) next(sec int64) oplog.Token {
	if sec <= a.lastTime {
		a.lastSeq++
		return oplog.Token{Time: a.lastTime, Seq: a.lastSeq}
	}
	a.lastTime = sec
	a.lastSeq = 0
	return oplog.Token{Time: sec, Seq: 0}
}

// decode parses WAL data and returns a change record if applicable. A nil
// record means the message produced none (begin/commit, unwatched table).
// At a commit boundary the returned LSN is the transaction's end position,
// which may be confirmed to the server once everything delivered up to it
// has been applied; it is zero everywhere else.
func (d *decoder) decode(walData []byte) (*oplog.Record, pglogrepl.LSN, error) {
	logicalMsg, err := pglogrepl.ParseV2(walData, d.inStream)
	if err != nil {
		return nil, 0, fmt.Errorf("parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		d.relations[msg.RelationID] = msg
		return nil, 0, nil

	case *pglogrepl.BeginMessage:
		d.commitTime = msg.CommitTime
		return nil, 0, nil

	case *pglogrepl.CommitMessage:
		return nil, msg.TransactionEndLSN, nil

	case *pglogrepl.InsertMessageV2:
		rec, err := d.handleInsert(msg)
		return rec, 0, err

	case *pglogrepl.UpdateMessageV2:
		rec, err := d.handleUpdate(msg)
		return rec, 0, err

	case *pglogrepl.DeleteMessageV2:
		rec, err := d.handleDelete(msg)
		return rec, 0, err

	default:
		return nil, 0, nil
	}
}

// handleInsert processes an INSERT message
func (d *decoder) handleInsert(msg *pglogrepl.InsertMessageV2) (*oplog.Record, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", msg.RelationID)
	}

	tableName := fmt.Sprintf("%s.%s", rel.Namespace, rel.RelationName)
	if !d.tableSet.contains(tableName) {
		return nil, nil
	}

	row, err := d.decodeTuple(msg.Tuple, rel)
	if err != nil {
		return nil, fmt.Errorf("decode tuple: %w", err)
	}

	doc := oplog.Document(row)
	if doc.ID() == "" {
		id := keyID(rel, row)
		if id == "" {
			return nil, fmt.Errorf("relation %s has no _id column and no replica identity key", tableName)
		}
		doc["_id"] = id
	}

	rec := oplog.NewInsert(tableName, d.tokens.next(d.commitTime.Unix()), doc)
	return &rec, nil
}

// handleUpdate processes an UPDATE message
func (d *decoder) handleUpdate(msg *pglogrepl.UpdateMessageV2) (*oplog.Record, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", msg.RelationID)
	}

	tableName := fmt.Sprintf("%s.%s", rel.Namespace, rel.RelationName)
	if !d.tableSet.contains(tableName) {
		return nil, nil
	}

	row, err := d.decodeTuple(msg.NewTuple, rel)
	if err != nil {
		return nil, fmt.Errorf("decode new tuple: %w", err)
	}

	// The new row's id travels in the mutation, like it does for inserts,
	// so a key-changing UPDATE re-keys the stored document instead of
	// leaving it under the old id.
	if _, ok := row["_id"]; !ok {
		id := keyID(rel, row)
		if id == "" {
			return nil, fmt.Errorf("relation %s has no _id column and no replica identity key", tableName)
		}
		row["_id"] = id
	}

	// The old tuple identifies the stored document; it is only present when
	// the table has REPLICA IDENTITY set. Fall back to the new tuple, whose
	// key columns are unchanged in that case.
	src := row
	if msg.OldTuple != nil {
		src, err = d.decodeTuple(msg.OldTuple, rel)
		if err != nil {
			return nil, fmt.Errorf("decode old tuple: %w", err)
		}
	}
	selector := keyValues(rel, src)
	if len(selector) == 0 {
		return nil, fmt.Errorf("cannot identify updated row in %s: no _id column and no key columns", tableName)
	}

	mutation := oplog.Document{"$set": map[string]any(row)}
	rec := oplog.NewUpdate(tableName, d.tokens.next(d.commitTime.Unix()), selector, mutation)
	return &rec, nil
}

// handleDelete processes a DELETE message
func (d *decoder) handleDelete(msg *pglogrepl.DeleteMessageV2) (*oplog.Record, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", msg.RelationID)
	}

	tableName := fmt.Sprintf("%s.%s", rel.Namespace, rel.RelationName)
	if !d.tableSet.contains(tableName) {
		return nil, nil
	}

	if msg.OldTuple == nil {
		return nil, fmt.Errorf("cannot identify deleted row in %s: table needs REPLICA IDENTITY", tableName)
	}
	row, err := d.decodeTuple(msg.OldTuple, rel)
	if err != nil {
		return nil, fmt.Errorf("decode old tuple: %w", err)
	}
	selector := keyValues(rel, row)
	if len(selector) == 0 {
		return nil, fmt.Errorf("cannot identify deleted row in %s: no _id column and no key columns", tableName)
	}

	rec := oplog.NewDelete(tableName, d.tokens.next(d.commitTime.Unix()), selector)
	return &rec, nil
}

// decodeTuple converts a tuple message into a map of column values
func (d *decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessageV2) (map[string]any, error) {
	if tuple == nil {
		return nil, nil
	}

	values := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			break
		}
		colName := rel.Columns[idx].Name

		switch col.DataType {
		case 'n': // null
			values[colName] = nil
		case 'u': // unchanged toast
			// TOAST value was not changed, skip
			continue
		case 't': // text
			val, err := d.decodeTextColumnData(col.Data, rel.Columns[idx].DataType)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", colName, err)
			}
			values[colName] = val
		}
	}

	return values, nil
}

// decodeTextColumnData decodes column data using the type map
func (d *decoder) decodeTextColumnData(data []byte, dataType uint32) (any, error) {
	if dt, ok := d.typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(d.typeMap, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

// keyValues builds a selector that identifies the row: the _id column when
// the table has one, otherwise the replica identity key columns.
func keyValues(rel *pglogrepl.RelationMessageV2, row map[string]any) oplog.Document {
	if id, ok := row["_id"]; ok && id != nil {
		return oplog.Document{"_id": id}
	}
	sel := oplog.Document{}
	for _, col := range rel.Columns {
		if col.Flags&1 == 0 {
			continue
		}
		if v, ok := row[col.Name]; ok {
			sel[col.Name] = v
		}
	}
	return sel
}

// keyID derives a stable document id from the replica identity key columns.
// Deriving instead of generating keeps redelivered inserts idempotent.
func keyID(rel *pglogrepl.RelationMessageV2, row map[string]any) string {
	var parts []string
	for _, col := range rel.Columns {
		if col.Flags&1 == 0 {
			continue
		}
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ":")
}
