package checkpoint

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes checkpoints for byte-oriented backends.
type Codec interface {
	Name() string
	Marshal(cp *Checkpoint) ([]byte, error)
	Unmarshal(data []byte, cp *Checkpoint) error
}

// JSONCodec stores checkpoints as JSON. Integral numbers in State decode as
// int, other numbers as float64.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(cp *Checkpoint) ([]byte, error) {
	return json.Marshal(cp)
}

func (JSONCodec) Unmarshal(data []byte, cp *Checkpoint) error {
	if err := decodeJSON(data, cp); err != nil {
		return err
	}
	cp.restoreNumbers()
	return nil
}

// MsgpackCodec stores checkpoints as MessagePack, which keeps floats and
// integers apart and produces smaller payloads than JSON.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(cp *Checkpoint) ([]byte, error) {
	return msgpack.Marshal(cp)
}

func (MsgpackCodec) Unmarshal(data []byte, cp *Checkpoint) error {
	if err := msgpack.Unmarshal(data, cp); err != nil {
		return err
	}
	cp.restoreNumbers()
	return nil
}

// CodecByName resolves "json" or "msgpack".
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSONCodec{}, true
	case "msgpack":
		return MsgpackCodec{}, true
	default:
		return nil, false
	}
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// restoreNumbers maps decoded numbers back to the types blocks write: int
// for integral values, float64 otherwise.
func (c *Checkpoint) restoreNumbers() {
	for k, v := range c.State {
		c.State[k] = restoreNumber(v)
	}
	c.Input = restoreNumber(c.Input)
	for i := range c.History {
		c.History[i].Output = restoreNumber(c.History[i].Output)
	}
}

func restoreNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		if val >= math.MinInt && val <= math.MaxInt {
			return int(val)
		}
		return val
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		if uint64(val) <= math.MaxInt {
			return int(val)
		}
		return val
	case uint64:
		if val <= math.MaxInt {
			return int(val)
		}
		return val
	case float32:
		return float64(val)
	case map[string]any:
		for k, item := range val {
			val[k] = restoreNumber(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = restoreNumber(item)
		}
		return val
	default:
		return v
	}
}
