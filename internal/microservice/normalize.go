package microservice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs"
	"github.com/mitchellh/mapstructure"
)

// Prediction is the normalized per item result of every family.
type Prediction struct {
	Id       string
	Sequence string
	// Label ("1"/"0") for classifiers, the formatted value for regressors.
	Prediction  string
	Probability *float64
	OutOfAD     bool
	Error       string
	Extra       map[string]float64
}

func (p Prediction) Failed() bool {
	return p.Error != ""
}

func parseJSON(service string, body []byte) (*gabs.Container, error) {
	root, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, failure(service, "response is not valid JSON: %s", truncate(body))
	}
	return root, nil
}

// lookup walks nested objects only. It returns nil when a key is missing, a
// value is null, or an intermediate value is not an object.
func lookup(c *gabs.Container, keys ...string) *gabs.Container {
	for _, key := range keys {
		if c == nil {
			return nil
		}
		if _, ok := c.Data().(map[string]interface{}); !ok {
			return nil
		}
		c = c.Search(key)
		if c == nil || c.Data() == nil {
			return nil
		}
	}
	return c
}

func containerData(c *gabs.Container) interface{} {
	if c == nil {
		return nil
	}
	return c.Data()
}

func objectOf(c *gabs.Container) map[string]interface{} {
	if c == nil {
		return nil
	}
	obj, _ := c.Data().(map[string]interface{})
	return obj
}

func arrayOf(c *gabs.Container) ([]interface{}, bool) {
	if c == nil {
		return nil, false
	}
	arr, ok := c.Data().([]interface{})
	return arr, ok
}

// firstArray returns the first of the candidate paths that holds an array.
func firstArray(root *gabs.Container, paths ...[]string) ([]interface{}, bool) {
	for _, path := range paths {
		if arr, ok := arrayOf(lookup(root, path...)); ok {
			return arr, true
		}
	}
	return nil, false
}

// firstScalar implements the fallback rule for array valued fields: the field
// takes the value of the first scalar element, or null if there is none.
func firstScalar(v interface{}) interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return v
	}
	for _, elem := range arr {
		switch elem.(type) {
		case []interface{}, map[string]interface{}, nil:
			continue
		default:
			return elem
		}
	}
	return nil
}

func unwrapScalars(item map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(item))
	for k, v := range item {
		out[k] = firstScalar(v)
	}
	return out
}

func decodeItem(item map[string]interface{}, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(item)
}

// decodeItems decodes every object in items into a T. Items that are not
// objects, or that cannot be decoded, are skipped.
func decodeItems[T any](items []interface{}) []T {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		var item T
		if err := decodeItem(unwrapScalars(obj), &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out
}

// checkStatus rejects a body whose status field is present and not a success
// value. With required set, a missing status is rejected as well.
func checkStatus(service string, root *gabs.Container, required bool) error {
	status := lookup(root, "status")
	if status == nil {
		if required {
			return failure(service, "response has no status field")
		}
		return nil
	}

	switch v := firstScalar(status.Data()).(type) {
	case string:
		if strings.EqualFold(v, "success") || strings.EqualFold(v, "ok") {
			return nil
		}
	case bool:
		if v {
			return nil
		}
	}

	reason := fmt.Sprintf("non-success status '%v'", status.Data())
	if msg := lookup(root, "error"); msg != nil {
		reason += fmt.Sprintf(": %v", msg.Data())
	} else if msg := lookup(root, "message"); msg != nil {
		reason += fmt.Sprintf(": %v", msg.Data())
	}
	return failure(service, "%s", reason)
}

func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func floatPtr(v float64) *float64 {
	return &v
}

// parseFloat accepts the value forms found in responses: numbers, numeric
// strings, and booleans.
func parseFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// normalizeLabel maps the binary labels used by the AMP services onto "1"/"0".
func normalizeLabel(label string) string {
	value := strings.ToLower(strings.TrimSpace(label))
	switch value {
	case "1", "amp", "1.0", "true", "positive":
		return "1"
	case "0", "non-amp", "non_amp", "nonamp", "0.0", "false", "negative":
		return "0"
	}
	if strings.Contains(value, "amp") && !strings.Contains(value, "non") {
		return "1"
	}
	return "0"
}

// decodeIndexed is decodeItems for index aligned responses: an undecodable
// item yields a nil entry instead of being dropped.
func decodeIndexed[T any](items []interface{}) []*T {
	out := make([]*T, len(items))
	for i, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		var item T
		if err := decodeItem(unwrapScalars(obj), &item); err != nil {
			continue
		}
		out[i] = &item
	}
	return out
}
