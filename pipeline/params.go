package pipeline

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ParamType is the type of a pipeline parameter.
type ParamType int

const (
	String ParamType = iota
	Bool
	Int
)

func (t ParamType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	}

	return "string"
}

// Param declares a pipeline parameter.
type Param struct {
	Name        string
	Description string
	Type        ParamType
	Default     string
	Required    bool
	Choices     []string
}

// ParamError reports an invalid or missing parameter.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Message)
}

// Params are validated parameter values. Absent optional parameters without
// a default are not set.
type Params struct {
	values map[string]string
}

// Has reports whether name was given or has a default.
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// String returns the value of name, or "" when unset.
func (p Params) String(name string) string {
	return p.values[name]
}

// Bool returns the value of a bool parameter, false when unset.
func (p Params) Bool(name string) bool {
	b, _ := strconv.ParseBool(p.values[name])
	return b
}

// Int returns the value of an int parameter and whether it is set.
func (p Params) Int(name string) (int, bool) {
	v, ok := p.values[name]
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Map returns a copy of the values.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}

	return out
}

// ParseParams validates raw values against the declarations.
func ParseParams(defs []Param, raw map[string]string) (Params, error) {
	known := make(map[string]Param, len(defs))
	for _, d := range defs {
		known[d.Name] = d
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, ok := known[name]; !ok {
			return Params{}, &ParamError{Param: name, Message: "unknown parameter"}
		}
	}

	values := make(map[string]string, len(defs))

	for _, d := range defs {
		v, given := raw[d.Name]
		v = strings.TrimSpace(v)

		if !given || v == "" {
			if d.Required {
				return Params{}, &ParamError{Param: d.Name, Message: "is required"}
			}

			if d.Default != "" {
				values[d.Name] = d.Default
			}
			continue
		}

		switch d.Type {
		case Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Params{}, &ParamError{Param: d.Name, Message: fmt.Sprintf("%q is not a boolean", v)}
			}
			v = strconv.FormatBool(b)
		case Int:
			if _, err := strconv.Atoi(v); err != nil {
				return Params{}, &ParamError{Param: d.Name, Message: fmt.Sprintf("%q is not an integer", v)}
			}
		}

		if len(d.Choices) > 0 && !slices.Contains(d.Choices, v) {
			return Params{}, &ParamError{
				Param:   d.Name,
				Message: fmt.Sprintf("%q is not one of %s", v, strings.Join(d.Choices, ", ")),
			}
		}

		values[d.Name] = v
	}

	return Params{values: values}, nil
}

// ParseAssignments turns "key=value" arguments into a map.
func ParseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &ParamError{Param: arg, Message: "expected key=value"}
		}

		out[key] = value
	}

	return out, nil
}
