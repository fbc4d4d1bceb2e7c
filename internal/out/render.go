package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
)

// Options controls envelope rendering.
type Options struct {
	Mode        string
	Select      []string
	ResultsOnly bool
}

func Render(w io.Writer, env model.Envelope, opts Options) error {
	data := env.Data
	if len(opts.Select) > 0 {
		data = project(data, opts.Select)
	}

	if opts.ResultsOnly {
		if opts.Mode == "json" {
			return writeJSON(w, data)
		}
		return renderPlain(w, data)
	}

	if opts.Mode == "json" {
		env.Data = data
		return writeJSON(w, env)
	}

	if env.Error != nil {
		if _, err := fmt.Fprintf(w, "error=%s code=%d message=%q\n", env.Error.Type, env.Error.Code, env.Error.Message); err != nil {
			return err
		}
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	if data == nil {
		return nil
	}
	return renderPlain(w, data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlain prints lists of objects as an aligned table and everything
// else as sorted key=value pairs.
func renderPlain(w io.Writer, data any) error {
	switch t := normalizeValue(data).(type) {
	case nil:
		_, err := fmt.Fprintln(w, "null")
		return err
	case []any:
		if len(t) == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		return renderTable(w, t)
	default:
		_, err := fmt.Fprintln(w, toLine("", t))
		return err
	}
}

func renderTable(w io.Writer, rows []any) error {
	columns := map[string]struct{}{}
	for _, row := range rows {
		if m, ok := row.(map[string]any); ok {
			for k := range m {
				columns[k] = struct{}{}
			}
		}
	}
	if len(columns) == 0 {
		for _, row := range rows {
			if _, err := fmt.Fprintln(w, toLine("", row)); err != nil {
				return err
			}
		}
		return nil
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))
	for _, row := range rows {
		m, _ := row.(map[string]any)
		cells := make([]string, len(header))
		for i, k := range header {
			cells[i] = cell(m[k])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		return t
	case map[string]any, []any:
		buf, _ := json.Marshal(t)
		return string(buf)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// project keeps the selected fields. Dotted paths reach into nested
// objects, e.g. "active.identity".
func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, strings.Split(f, ".")); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path []string) (any, bool) {
	v, ok := m[path[0]]
	if !ok || len(path) == 1 {
		return v, ok
	}
	next, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(next, path[1:])
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine flattens nested objects into dotted keys.
func toLine(prefix string, v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		if prefix == "" {
			return cell(v)
		}
		return fmt.Sprintf("%s=%s", prefix, cell(v))
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		parts = append(parts, toLine(key, m[k]))
	}
	return strings.Join(parts, " ")
}
