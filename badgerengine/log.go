package badgerengine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/kasuganosora/objstore/storageengine"
)

var (
	versionSequenceKey = []byte("seq:version")
	currentVersionKey  = []byte("meta:current_version")
)

// logKey formats the key a single version's log entry is stored under.
// Zero-padding keeps badger's lexicographic key order equal to numeric
// version order, matching the teacher's FormatIntKey convention.
func logKey(v storageengine.Version) []byte {
	return []byte(fmt.Sprintf("log:%020d", uint64(v)))
}

func encodeVersion(v storageengine.Version) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeVersion(b []byte) storageengine.Version {
	if len(b) < 8 {
		return 0
	}
	return storageengine.Version(binary.BigEndian.Uint64(b))
}

// op enumerates which storageengine.LogParser call a Mutation replays.
type op int

const (
	opSelectTable op = iota
	opInsertEmptyRows
	opEraseRows
	opClearTable
	opSetValue
	opSelectLinkList
	opLinkListSet
	opLinkListInsert
	opLinkListErase
	opLinkListNullify
	opLinkListSwap
	opLinkListMove
	opLinkListClear
	opSchemaChanged
)

// Mutation is one replayable storage event, recorded in commit order.
// Fields are reused across op kinds rather than having one struct per op,
// matching the compactness the spec asks of the on-disk log format.
type Mutation struct {
	Op      op     `json:"op"`
	Table   int    `json:"table,omitempty"`
	Col     int    `json:"col,omitempty"`
	Row     uint64 `json:"row,omitempty"`
	N       uint64 `json:"n,omitempty"`
	Ordered bool   `json:"ordered,omitempty"`
	Value   any    `json:"value,omitempty"`

	Idx     uint64 `json:"idx,omitempty"`
	Target  uint64 `json:"target,omitempty"`
	I       uint64 `json:"i,omitempty"`
	J       uint64 `json:"j,omitempty"`
	From    uint64 `json:"from,omitempty"`
	To      uint64 `json:"to,omitempty"`
	OldSize uint64 `json:"old_size,omitempty"`
}

// Constructors for each op kind, used by callers building a WriteSet.

func SelectTable(table int) Mutation                       { return Mutation{Op: opSelectTable, Table: table} }
func InsertEmptyRows(table int, at, n uint64) Mutation      { return Mutation{Op: opInsertEmptyRows, Table: table, Row: at, N: n} }
func EraseRows(table int, at uint64, ordered bool) Mutation { return Mutation{Op: opEraseRows, Table: table, Row: at, Ordered: ordered} }
func ClearTable(table int) Mutation                         { return Mutation{Op: opClearTable, Table: table} }
func SetValue(table, col int, row uint64, value any) Mutation {
	return Mutation{Op: opSetValue, Table: table, Col: col, Row: row, Value: value}
}
func SelectLinkList(table, col int, row uint64) Mutation {
	return Mutation{Op: opSelectLinkList, Table: table, Col: col, Row: row}
}
func LinkListSet(idx, target uint64) Mutation    { return Mutation{Op: opLinkListSet, Idx: idx, Target: target} }
func LinkListInsert(idx, target uint64) Mutation { return Mutation{Op: opLinkListInsert, Idx: idx, Target: target} }
func LinkListErase(idx uint64) Mutation          { return Mutation{Op: opLinkListErase, Idx: idx} }
func LinkListNullify(idx uint64) Mutation        { return Mutation{Op: opLinkListNullify, Idx: idx} }
func LinkListSwap(i, j uint64) Mutation          { return Mutation{Op: opLinkListSwap, I: i, J: j} }
func LinkListMove(from, to uint64) Mutation      { return Mutation{Op: opLinkListMove, From: from, To: to} }
func LinkListClear(oldSize uint64) Mutation      { return Mutation{Op: opLinkListClear, OldSize: oldSize} }
func SchemaChanged() Mutation                    { return Mutation{Op: opSchemaChanged} }

// logEntry is the unit stored under one version's log key: every mutation
// that version's commit produced, in call order.
type logEntry struct {
	Mutations []Mutation `json:"mutations"`
}

func encodeLogEntry(e logEntry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeLogEntry(data []byte, out *logEntry) error {
	return json.Unmarshal(data, out)
}

// ReplayMutations feeds mutations through parser in order. It is exported
// so other storageengine.Engine implementations (sqliteengine) can reuse
// the same Mutation vocabulary and replay semantics instead of
// reimplementing the op switch against their own log representation.
func ReplayMutations(mutations []Mutation, parser storageengine.LogParser) error {
	return replay(logEntry{Mutations: mutations}, parser)
}

// replay feeds one logEntry's mutations through parser in order, stopping
// and returning an error the moment a schema-mutating entry is hit — the
// caller must then treat every notifier whose change info depends on this
// advance as needing a full reload rather than an incremental replay.
func replay(e logEntry, parser storageengine.LogParser) error {
	// set_value deserializes JSON numbers as float64; the values flowing
	// through here are opaque to the core, so no numeric widening happens.
	for _, m := range e.Mutations {
		switch m.Op {
		case opSelectTable:
			parser.SelectTable(m.Table)
		case opInsertEmptyRows:
			parser.InsertEmptyRows(m.Table, m.Row, m.N)
		case opEraseRows:
			parser.EraseRows(m.Table, m.Row, m.Ordered)
		case opClearTable:
			parser.ClearTable(m.Table)
		case opSetValue:
			parser.SetValue(m.Table, m.Col, m.Row, m.Value)
		case opSelectLinkList:
			parser.SelectLinkList(m.Table, m.Col, m.Row)
		case opLinkListSet:
			parser.LinkListSet(m.Idx, m.Target)
		case opLinkListInsert:
			parser.LinkListInsert(m.Idx, m.Target)
		case opLinkListErase:
			parser.LinkListErase(m.Idx)
		case opLinkListNullify:
			parser.LinkListNullify(m.Idx)
		case opLinkListSwap:
			parser.LinkListSwap(m.I, m.J)
		case opLinkListMove:
			parser.LinkListMove(m.From, m.To)
		case opLinkListClear:
			parser.LinkListClear(m.OldSize)
		case opSchemaChanged:
			return parser.SchemaChanged()
		default:
			return fmt.Errorf("badgerengine: unknown log op %d", m.Op)
		}
	}
	return nil
}
