package recoverylog

import (
	"bytes"
	"encoding/json"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/krisalay/doccache/types"
)

const (
	opPut    = "put"
	opRemove = "remove"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frame is one line of a slot file:
//
//	{"crc":3735928559,"op":"put","id":"42","rec":{"id":"42","coll":"users","doc":{...}}}
//
// crc covers op, id and the exact bytes of rec, so a frame torn or altered
// anywhere fails verification.
type frame struct {
	CRC uint32          `json:"crc"`
	Op  string          `json:"op"`
	ID  string          `json:"id"`
	Rec json.RawMessage `json:"rec,omitempty"`
}

func (f *frame) checksum() uint32 {
	var h = crc32.New(castagnoli)
	h.Write([]byte(f.Op))
	h.Write([]byte{0})
	h.Write([]byte(f.ID))
	h.Write([]byte{0})
	h.Write(f.Rec)
	return h.Sum32()
}

// encodeFrame returns the newline-terminated line for op.
func encodeFrame(op string, rec Record) ([]byte, error) {
	var f = frame{Op: op, ID: rec.ID}

	if op == opPut {
		var b, err = json.Marshal(rec)
		if err != nil {
			return nil, errors.WithMessage(err, "marshal record")
		}
		f.Rec = b
	}
	f.CRC = f.checksum()

	var line, err = json.Marshal(&f)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal frame")
	}
	return append(line, '\n'), nil
}

// decodeFrame parses and verifies one line (without its newline).
func decodeFrame(line []byte) (string, Record, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return "", Record{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	if f.checksum() != f.CRC {
		return "", Record{}, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	switch f.Op {
	case opRemove:
		return f.Op, Record{ID: f.ID}, nil
	case opPut:
		var rec, err = decodeRecord(f.Rec)
		if err != nil {
			return "", Record{}, err
		}
		if rec.ID != f.ID {
			return "", Record{}, errors.Wrapf(ErrCorrupt, "frame id %q holds record %q", f.ID, rec.ID)
		}
		return f.Op, rec, nil
	default:
		return "", Record{}, errors.Wrapf(ErrCorrupt, "unknown op %q", f.Op)
	}
}

// decodeRecord keeps integer document fields as int64.
func decodeRecord(b []byte) (Record, error) {
	var raw struct {
		ID         string          `json:"id"`
		Collection string          `json:"coll"`
		Doc        json.RawMessage `json:"doc"`
		Deleted    bool            `json:"del"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Record{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	var rec = Record{ID: raw.ID, Collection: raw.Collection, Deleted: raw.Deleted}

	if len(raw.Doc) != 0 && !bytes.Equal(raw.Doc, []byte("null")) {
		var doc, err = types.DecodeDocument(raw.Doc)
		if err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, err.Error())
		}
		rec.Doc = doc
	}
	if rec.ID == "" {
		return Record{}, errors.Wrap(ErrCorrupt, "record without id")
	}
	return rec, nil
}

// decodeSlot folds the frames of one slot file into records, applied over
// into. A final line without its newline is a torn write and is reported via
// torn rather than as corruption: its Put or Remove never returned.
func decodeSlot(data []byte, into map[string]Record) (torn bool, err error) {
	for lineNo := 1; len(data) != 0; lineNo++ {
		var i = bytes.IndexByte(data, '\n')
		if i == -1 {
			return true, nil
		}
		var line = data[:i]
		data = data[i+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		op, rec, err := decodeFrame(line)
		if err != nil {
			return false, errors.WithMessagef(err, "line %d", lineNo)
		}
		if op == opRemove {
			delete(into, rec.ID)
		} else {
			into[rec.ID] = rec
		}
	}
	return false, nil
}
