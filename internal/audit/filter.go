package audit

import (
	"encoding/json"
	"fmt"
)

// Filter restricts a subscription. For every key, the event field must equal
// one of the listed values; an empty Filter matches everything.
type Filter map[string][]any

// ParseFilter builds a Filter from the observer form
// {field: value | [values...]}.
func ParseFilter(raw map[string]any) (Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	f := make(Filter, len(raw))
	for key, v := range raw {
		switch vals := v.(type) {
		case []any:
			f[key] = vals
		case map[string]any:
			return nil, fmt.Errorf("filter %q: objects are not supported", key)
		default:
			f[key] = []any{vals}
		}
	}
	return f, nil
}

// compiledFilter holds the canonical JSON of every allowed value.
type compiledFilter map[string]map[string]struct{}

func (f Filter) compile() compiledFilter {
	if len(f) == 0 {
		return nil
	}
	c := make(compiledFilter, len(f))
	for key, vals := range f {
		set := make(map[string]struct{}, len(vals))
		for _, v := range vals {
			set[canonical(v)] = struct{}{}
		}
		c[key] = set
	}
	return c
}

func (c compiledFilter) matches(ev Event) bool {
	for key, allowed := range c {
		if _, ok := allowed[canonical(ev.Field(key))]; !ok {
			return false
		}
	}
	return true
}

// canonical renders v as JSON so that 1 and 1.0, or an address and its
// string form, compare equal.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		b, _ := json.Marshal(x)
		return string(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var normalized any
	if json.Unmarshal(b, &normalized) == nil {
		if b2, err := json.Marshal(normalized); err == nil {
			return string(b2)
		}
	}
	return string(b)
}
