package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BuildOptions is a set of preprocessor-style defines that selects which
// optional features are compiled into a program. The zero value is empty.
type BuildOptions struct {
	defines map[string]string
}

// Define adds a flag define (-DNAME).
func (o BuildOptions) Define(name string) BuildOptions {
	return o.set(name, "")
}

// DefineIf adds a flag define when cond holds.
func (o BuildOptions) DefineIf(cond bool, name string) BuildOptions {
	if !cond {
		return o
	}
	return o.set(name, "")
}

// DefineInt adds a valued define (-DNAME=value).
func (o BuildOptions) DefineInt(name string, value int) BuildOptions {
	return o.set(name, strconv.Itoa(value))
}

func (o BuildOptions) set(name, value string) BuildOptions {
	next := make(map[string]string, len(o.defines)+1)
	for k, v := range o.defines {
		next[k] = v
	}
	next[name] = value
	return BuildOptions{defines: next}
}

// Has reports whether name is defined.
func (o BuildOptions) Has(name string) bool {
	_, ok := o.defines[name]
	return ok
}

// Value returns the value of name and whether it is defined.
func (o BuildOptions) Value(name string) (string, bool) {
	v, ok := o.defines[name]
	return v, ok
}

// Int returns the integer value of name, or def when name is undefined.
func (o BuildOptions) Int(name string, def int) (int, error) {
	v, ok := o.defines[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", name, err)
	}
	return n, nil
}

// String renders the canonical option string: defines sorted by name.
// Equal option sets always render identically, which makes the string
// usable as a cache key.
func (o BuildOptions) String() string {
	names := make([]string, 0, len(o.defines))
	for k := range o.defines {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		if v := o.defines[k]; v != "" {
			parts = append(parts, "-D"+k+"="+v)
		} else {
			parts = append(parts, "-D"+k)
		}
	}
	return strings.Join(parts, " ")
}

// ParseOptions parses a "-DNAME[=value] ..." string.
func ParseOptions(s string) (BuildOptions, error) {
	var o BuildOptions
	for _, field := range strings.Fields(s) {
		if !strings.HasPrefix(field, "-D") || len(field) == 2 {
			return BuildOptions{}, fmt.Errorf("option %q: expected -DNAME[=value]", field)
		}
		name, value, _ := strings.Cut(field[2:], "=")
		o = o.set(name, value)
	}
	return o, nil
}
