package domain

import (
	stdjson "encoding/json"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Document is the structured payload exchanged between nodes: action
// params, responses, node info and packet metadata all travel as JSON objects.
type Document map[string]interface{}

func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Get resolves a dotted path such as "user.address.city".
func (d Document) Get(path string) (interface{}, bool) {
	if d == nil || path == "" {
		return nil, false
	}
	var current interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case Document:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		default:
			return nil, false
		}
	}
	return current, true
}

func (d Document) String(path string) string {
	value, ok := d.Get(path)
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func (d Document) Int64(path string) (int64, bool) {
	value, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	return ToInt64(value)
}

func (d Document) Doc(path string) Document {
	value, ok := d.Get(path)
	if !ok {
		return nil
	}
	return AsDocument(value)
}

func (d Document) IsEmpty() bool {
	return len(d) == 0
}

// AsDocument converts decoded JSON objects into a Document.
func AsDocument(value interface{}) Document {
	switch v := value.(type) {
	case Document:
		return v
	case map[string]interface{}:
		return Document(v)
	default:
		return nil
	}
}

// ToInt64 accepts the numeric shapes JSON decoders and in-process callers
// produce.
func ToInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case stdjson.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	default:
		return 0, false
	}
}
