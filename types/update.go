package types

import (
	"sort"

	"github.com/pkg/errors"
)

// Update operators understood by ApplyUpdate.
const (
	OpSet   = "$set"
	OpUnset = "$unset"
	OpInc   = "$inc"
	OpPush  = "$push"
	OpPull  = "$pull"
)

// Update maps an operator to the fields it applies to, e.g.
//
//	Update{OpInc: {"coins": 5}, OpSet: {"name": "Ada"}}
type Update map[string]map[string]any

// Validate checks operators and rejects updates that would change a document's id.
func (u Update) Validate() error {
	if len(u) == 0 {
		return errors.Wrap(ErrBadUpdate, "empty update")
	}
	for op, fields := range u {
		switch op {
		case OpSet, OpUnset, OpInc, OpPush, OpPull:
		default:
			return errors.Wrapf(ErrBadUpdate, "unknown operator %q", op)
		}
		if _, ok := fields[IDField]; ok {
			return errors.Wrapf(ErrBadUpdate, "%s may not modify %q", op, IDField)
		}
		if op == OpInc {
			for field, v := range fields {
				if _, ok := toFloat(v); !ok {
					return errors.Wrapf(ErrBadUpdate, "$inc of %q by non-number %v", field, v)
				}
			}
		}
	}
	return nil
}

// ApplyUpdate returns a copy of doc with the update applied. doc itself is not modified.
// Operators are applied in a fixed order so results do not depend on map iteration.
func ApplyUpdate(doc Document, u Update) (Document, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}

	for _, op := range []string{OpSet, OpUnset, OpInc, OpPush, OpPull} {
		fields := u[op]
		for _, field := range sortedKeys(fields) {
			v := fields[field]

			switch op {
			case OpSet:
				out[field] = cloneValue(v)
			case OpUnset:
				delete(out, field)
			case OpInc:
				n, err := increment(out[field], v)
				if err != nil {
					return nil, errors.WithMessagef(err, "field %q", field)
				}
				out[field] = n
			case OpPush:
				cur, ok := out[field].([]any)
				if !ok && out[field] != nil {
					return nil, errors.Wrapf(ErrBadUpdate, "$push to non-array field %q", field)
				}
				out[field] = append(cur, cloneValue(v))
			case OpPull:
				cur, ok := out[field].([]any)
				if !ok {
					if out[field] == nil {
						continue
					}
					return nil, errors.Wrapf(ErrBadUpdate, "$pull from non-array field %q", field)
				}
				kept := cur[:0:0]
				for _, el := range cur {
					if !ValuesEqual(el, v) {
						kept = append(kept, el)
					}
				}
				out[field] = kept
			}
		}
	}
	return out, nil
}

// increment adds by to cur. Two integers stay an int64; anything else becomes float64.
func increment(cur, by any) (any, error) {
	if cur == nil {
		cur = int64(0)
	}
	if a, ok := toInt(cur); ok {
		if b, ok := toInt(by); ok {
			return a + b, nil
		}
	}
	a, ok := toFloat(cur)
	if !ok {
		return nil, errors.Wrapf(ErrBadUpdate, "$inc of non-number %v", cur)
	}
	b, _ := toFloat(by)
	return a + b, nil
}

// SeedFromFilter builds the starting document of an upsert from a filter's equality fields.
func SeedFromFilter(f Filter) Document {
	d := make(Document, len(f))
	for k, v := range f {
		d[k] = cloneValue(v)
	}
	return d
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
