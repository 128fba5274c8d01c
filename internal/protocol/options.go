package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/skshohagmiah/flowsync/internal/query"
)

// queryOptions is the raw wire shape of the query vocabulary.
type queryOptions struct {
	Collection string            `json:"collection"`
	Find       interface{}       `json:"find,omitempty"`
	FindAll    []interface{}     `json:"findAll,omitempty"`
	Order      []json.RawMessage `json:"order,omitempty"`
	Above      []json.RawMessage `json:"above,omitempty"`
	Below      []json.RawMessage `json:"below,omitempty"`
	Limit      *int              `json:"limit,omitempty"`
}

// ParseQueryOptions decodes wire query options into a query description.
// Shape errors and illegal term combinations surface through the
// description's own validation.
func ParseQueryOptions(raw json.RawMessage) (query.Description, error) {
	var opts queryOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return query.Description{}, fmt.Errorf("%w: malformed query options: %v", query.ErrInvalidQuery, err)
	}

	d := query.NewDescription(opts.Collection)

	if opts.Find != nil {
		d = d.Find(opts.Find)
	}
	if opts.FindAll != nil {
		d = d.FindAll(opts.FindAll...)
	}
	if opts.Order != nil {
		fields, dir, err := parseOrder(opts.Order)
		if err != nil {
			return query.Description{}, err
		}
		d = d.OrderBy(dir, fields...)
	}
	if opts.Above != nil {
		value, open, err := parseBound("above", opts.Above)
		if err != nil {
			return query.Description{}, err
		}
		d = d.AboveBound(value, open)
	}
	if opts.Below != nil {
		value, open, err := parseBound("below", opts.Below)
		if err != nil {
			return query.Description{}, err
		}
		d = d.BelowBound(value, open)
	}
	if opts.Limit != nil {
		d = d.Limit(*opts.Limit)
	}

	if err := d.Validate(); err != nil {
		return query.Description{}, err
	}
	return d, nil
}

// EncodeQueryOptions serializes a description back into wire options. The
// round trip through ParseQueryOptions yields an equivalent description.
func EncodeQueryOptions(d query.Description) (json.RawMessage, error) {
	opts := queryOptions{Collection: d.Collection}

	if d.FindRow != nil {
		opts.Find = d.FindRow
	}
	for _, row := range d.FindRows {
		opts.FindAll = append(opts.FindAll, row)
	}
	if len(d.Order) > 0 {
		fields, err := json.Marshal(d.Order)
		if err != nil {
			return nil, err
		}
		dir, err := json.Marshal(string(d.Dir))
		if err != nil {
			return nil, err
		}
		opts.Order = []json.RawMessage{fields, dir}
	}
	if d.Above != nil {
		raw, err := encodeBound(d.Above)
		if err != nil {
			return nil, err
		}
		opts.Above = raw
	}
	if d.Below != nil {
		raw, err := encodeBound(d.Below)
		if err != nil {
			return nil, err
		}
		opts.Below = raw
	}
	if d.LimitRows >= 0 {
		opts.Limit = &d.LimitRows
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query options: %w", err)
	}
	return raw, nil
}

func encodeBound(b *query.BoundSpec) ([]json.RawMessage, error) {
	var value interface{} = b.Value
	if b.Field != "" {
		value = map[string]interface{}{b.Field: b.Value}
	}
	rawValue, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	openness := "closed"
	if b.Open {
		openness = "open"
	}
	rawOpen, err := json.Marshal(openness)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{rawValue, rawOpen}, nil
}

// parseOrder accepts ["field", dir] or [["f1","f2"], dir]; dir defaults to
// ascending when omitted.
func parseOrder(raw []json.RawMessage) ([]string, query.Direction, error) {
	if len(raw) == 0 || len(raw) > 2 {
		return nil, "", fmt.Errorf("%w: order expects [fields, direction]", query.ErrInvalidQuery)
	}

	var fields []string
	var single string
	if err := json.Unmarshal(raw[0], &fields); err != nil {
		if err := json.Unmarshal(raw[0], &single); err != nil {
			return nil, "", fmt.Errorf("%w: order fields must be a string or array of strings", query.ErrInvalidQuery)
		}
		fields = []string{single}
	}

	dir := query.Ascending
	if len(raw) == 2 {
		var s string
		if err := json.Unmarshal(raw[1], &s); err != nil {
			return nil, "", fmt.Errorf("%w: order direction must be a string", query.ErrInvalidQuery)
		}
		dir = query.Direction(s)
	}
	return fields, dir, nil
}

// parseBound accepts [value|object, "open"|"closed"]; openness defaults to
// closed when omitted.
func parseBound(name string, raw []json.RawMessage) (interface{}, bool, error) {
	if len(raw) == 0 || len(raw) > 2 {
		return nil, false, fmt.Errorf("%w: %s expects [value, openness]", query.ErrInvalidQuery, name)
	}

	var value interface{}
	if err := json.Unmarshal(raw[0], &value); err != nil {
		return nil, false, fmt.Errorf("%w: malformed %s value", query.ErrInvalidQuery, name)
	}

	open := false
	if len(raw) == 2 {
		var s string
		if err := json.Unmarshal(raw[1], &s); err != nil {
			return nil, false, fmt.Errorf("%w: %s openness must be a string", query.ErrInvalidQuery, name)
		}
		switch s {
		case "open":
			open = true
		case "closed":
			open = false
		default:
			return nil, false, fmt.Errorf("%w: %s openness must be %q or %q", query.ErrInvalidQuery, name, "open", "closed")
		}
	}
	return value, open, nil
}
