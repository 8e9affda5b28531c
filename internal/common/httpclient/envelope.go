package httpclient

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Shape tags the payload of a successful envelope.
type Shape int

const (
	// ShapeValue is any payload that is not a list (profiles, acks).
	ShapeValue Shape = iota
	// ShapePaginated is an object carrying a total field and a list field.
	ShapePaginated
	// ShapeUnpaginated is a bare array holding the whole result set.
	ShapeUnpaginated
)

func (s Shape) String() string {
	switch s {
	case ShapePaginated:
		return "paginated"
	case ShapeUnpaginated:
		return "unpaginated"
	default:
		return "value"
	}
}

// Record is one opaque row of a list payload. Array elements that are not
// JSON objects are kept under the "value" key.
type Record map[string]any

// ID returns the row identity as a string, or "" if the row has no id.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// Result is the decoded dat of a successful envelope. The shape decision is
// made here, once, so list consumers switch on Shape instead of probing the
// payload.
type Result struct {
	Shape   Shape
	Records []Record // set for ShapePaginated and ShapeUnpaginated
	Total   int      // set for ShapePaginated
	Raw     []byte   // dat exactly as received
}

// Decode unmarshals the raw dat into v.
func (r *Result) Decode(v any) error {
	if len(r.Raw) == 0 {
		return ErrDecode.Msg("empty payload")
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return ErrDecode.Err(err)
	}
	return nil
}

type envelope struct {
	Err string
	Dat gjson.Result
}

// parseEnvelope checks that body is {"err": "<string>", "dat": <any>}.
func parseEnvelope(body []byte) (*envelope, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrDecode.Msg("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrDecode.Msg("response is not a JSON object")
	}
	errField := root.Get("err")
	if !errField.Exists() || errField.Type != gjson.String {
		return nil, ErrDecode.Msg("response has no err string")
	}
	return &envelope{
		Err: errField.String(),
		Dat: root.Get("dat"),
	}, nil
}

func newResult(dat gjson.Result) (*Result, error) {
	r := &Result{Raw: []byte(dat.Raw)}
	switch {
	case dat.IsObject() && dat.Get("total").Exists():
		r.Shape = ShapePaginated
		r.Total = int(dat.Get("total").Int())
		records, err := decodeRecords(dat.Get("list"))
		if err != nil {
			return nil, err
		}
		r.Records = records
	case dat.IsArray():
		r.Shape = ShapeUnpaginated
		records, err := decodeRecords(dat)
		if err != nil {
			return nil, err
		}
		r.Records = records
	default:
		r.Shape = ShapeValue
	}
	return r, nil
}

func decodeRecords(list gjson.Result) ([]Record, error) {
	records := []Record{}
	if !list.IsArray() {
		return records, nil
	}
	var decodeErr error
	list.ForEach(func(_, item gjson.Result) bool {
		if item.IsObject() {
			var rec Record
			if err := json.Unmarshal([]byte(item.Raw), &rec); err != nil {
				decodeErr = ErrDecode.Err(err)
				return false
			}
			records = append(records, rec)
			return true
		}
		records = append(records, Record{"value": item.Value()})
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return records, nil
}
