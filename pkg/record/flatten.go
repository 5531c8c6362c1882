package record

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// Separator joins nested keys when flattening.
const Separator = "_"

// RemoveColumn is the rename target that drops a column.
const RemoveColumn = "remove"

// Flatten walks a JSON object and returns one field per scalar leaf.
// Nested keys are joined with Separator and array elements use their index,
// so {"a":{"b":[1,2]}} yields a_b_0 and a_b_1. Empty objects and arrays
// become null.
func Flatten(item gjson.Result) Fields {
	out := make(Fields)
	flattenInto(out, "", item)
	return out
}

func flattenInto(out Fields, prefix string, v gjson.Result) {
	switch {
	case v.IsObject():
		empty := true
		v.ForEach(func(key, value gjson.Result) bool {
			empty = false
			flattenInto(out, join(prefix, key.String()), value)
			return true
		})
		if empty && prefix != "" {
			out[prefix] = Null()
		}
	case v.IsArray():
		idx := 0
		v.ForEach(func(_, value gjson.Result) bool {
			flattenInto(out, join(prefix, strconv.Itoa(idx)), value)
			idx++
			return true
		})
		if idx == 0 && prefix != "" {
			out[prefix] = Null()
		}
	default:
		if prefix == "" {
			return
		}
		out[prefix] = scalar(v)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}

func scalar(v gjson.Result) Value {
	switch v.Type {
	case gjson.String:
		return StringValue(v.Str)
	case gjson.Number:
		return NumberText(v.Raw)
	case gjson.True:
		return BoolValue(true)
	case gjson.False:
		return BoolValue(false)
	default:
		return Null()
	}
}

// Rename applies a column mapping. Columns mapped to RemoveColumn are
// dropped; unmapped columns keep their flattened name.
func Rename(fields Fields, columns map[string]string) Fields {
	if len(columns) == 0 {
		return fields.Clone()
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		name, ok := columns[k]
		if !ok {
			out[k] = v
			continue
		}
		if name == RemoveColumn {
			continue
		}
		out[name] = v
	}
	return out
}
