package schema

import (
	"fmt"
	"strconv"

	"github.com/meshvault/meshvault/pkg/errors"
)

const defaultLang = "en"

// Decode coerces a raw (typically JSON-decoded) value against d's
// typecast, rejecting shapes the property does not accept.
func (d *Descriptor) Decode(raw interface{}) (interface{}, error) {
	if d.Localized {
		return decodeLocalized(raw)
	}
	return decodeScalarOrList(d.Typecast, d.ListOf, d.EnumValues, raw)
}

func decodeScalarOrList(tc, listOf Typecast, enum []string, raw interface{}) (interface{}, error) {
	if tc == TypeList {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, typecastErr(raw)
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			v, err := decodeScalar(listOf, enum, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return decodeScalar(tc, enum, raw)
}

func decodeScalar(tc Typecast, enum []string, raw interface{}) (interface{}, error) {
	switch tc {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case TypeInt:
		switch v := raw.(type) {
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, typecastErr(raw)
			}
			return n, nil
		default:
			return nil, typecastErr(raw)
		}
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, typecastErr(raw)
			}
			return f, nil
		default:
			return nil, typecastErr(raw)
		}
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, typecastErr(raw)
			}
			return b, nil
		default:
			return nil, typecastErr(raw)
		}
	case TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, typecastErr(raw)
		}
		for _, allowed := range enum {
			if allowed == s {
				return s, nil
			}
		}
		return nil, errors.New(errors.ErrCodeTypecastFailed, fmt.Sprintf("%q is not one of %v", s, enum)).
			WithComponent("schema")
	case TypeDict:
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, typecastErr(raw)
		}
		return m, nil
	default:
		return nil, typecastErr(raw)
	}
}

// decodeLocalized accepts either a bare string (wrapped into the default
// language) or an already-keyed language map, per the localized-property
// rule: stored value is always a map of language tag -> string.
func decodeLocalized(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case string:
		return map[string]string{defaultLang: v}, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, typecastErr(raw)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, typecastErr(raw)
	}
}

func typecastErr(raw interface{}) error {
	return errors.New(errors.ErrCodeTypecastFailed, fmt.Sprintf("cannot cast %T to declared typecast", raw)).
		WithComponent("schema")
}

// MergeLocalized merges an incoming localized value (scalar or map) into
// the previously-stored map, per Directory.Update's "scalar wraps into
// default language, merged with prior map" rule.
func MergeLocalized(prior map[string]string, incoming interface{}) (map[string]string, error) {
	decoded, err := decodeLocalized(incoming)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(prior)+1)
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range decoded.(map[string]string) {
		merged[k] = v
	}
	return merged, nil
}

// ReprCast projects a decoded value into the list of index term strings.
// List/composite properties emit one term per element.
func ReprCast(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case []string:
		return v
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
