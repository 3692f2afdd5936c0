package raster

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// maxLabelBytes bounds how much of a file is scanned looking for END.
const maxLabelBytes = 4 * mosaic.Mega

// pdsLabel holds the keywords of a PDS3 label.  Keys inside OBJECT or GROUP
// blocks are qualified by the enclosing names, e.g. "IMAGE.LINES".
type pdsLabel struct {
	values map[string]string
	order  []string
}

func parsePDSLabel(r io.Reader) (*pdsLabel, error) {
	label := &pdsLabel{values: make(map[string]string)}
	scanner := bufio.NewScanner(io.LimitReader(r, maxLabelBytes))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var path []string
	var stmt strings.Builder
	inComment := false
	foundEnd := false
	for scanner.Scan() {
		line := scanner.Text()
		line, inComment = stripComments(line, inComment)
		if stmt.Len() > 0 {
			stmt.WriteString(" ")
			stmt.WriteString(strings.TrimSpace(line))
		} else {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "END" {
				foundEnd = true
				break
			}
			stmt.WriteString(line)
		}
		if !balanced(stmt.String()) {
			continue
		}
		s := stmt.String()
		stmt.Reset()

		eq := strings.Index(s, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(s[:eq]))
		value := strings.TrimSpace(s[eq+1:])
		switch key {
		case "OBJECT", "GROUP":
			path = append(path, strings.ToUpper(unquote(value)))
		case "END_OBJECT", "END_GROUP":
			if len(path) == 0 {
				return nil, mosaic.NewError(mosaic.CorruptSource, "unbalanced %s in PDS label", key)
			}
			path = path[:len(path)-1]
		default:
			full := key
			if len(path) > 0 {
				full = strings.Join(path, ".") + "." + key
			}
			if _, dup := label.values[full]; !dup {
				label.values[full] = value
				label.order = append(label.order, full)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading PDS label")
	}
	if !foundEnd {
		return nil, mosaic.NewError(mosaic.CorruptSource, "PDS label has no END statement")
	}
	return label, nil
}

// stripComments removes /* */ comments, which may span lines.
func stripComments(line string, inComment bool) (string, bool) {
	var out strings.Builder
	for len(line) > 0 {
		if inComment {
			end := strings.Index(line, "*/")
			if end < 0 {
				return out.String(), true
			}
			line = line[end+2:]
			inComment = false
			continue
		}
		start := strings.Index(line, "/*")
		if start < 0 {
			out.WriteString(line)
			break
		}
		out.WriteString(line[:start])
		line = line[start+2:]
		inComment = true
	}
	return out.String(), inComment
}

// balanced is true if the statement has no open quote, parenthesis or brace.
func balanced(s string) bool {
	depth := 0
	quoted := false
	for _, c := range s {
		switch {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			depth--
		}
	}
	return !quoted && depth <= 0
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// splitUnits separates "12.5 <KM/PIXEL>" into "12.5" and "KM/PIXEL".
func splitUnits(v string) (string, string) {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "<"); i >= 0 {
		unit := strings.TrimSuffix(strings.TrimSpace(v[i+1:]), ">")
		return strings.TrimSpace(v[:i]), strings.TrimSpace(unit)
	}
	return v, ""
}

// Get returns the value of a top-level keyword.
func (l *pdsLabel) Get(key string) (string, bool) {
	v, ok := l.values[key]
	return v, ok
}

// Object returns the value of a keyword inside the first object with the given
// name, at any nesting depth.
func (l *pdsLabel) Object(object, key string) (string, bool) {
	want := object + "." + key
	for _, k := range l.order {
		if k == want || strings.HasSuffix(k, "."+want) {
			return l.values[k], true
		}
	}
	return "", false
}

func (l *pdsLabel) HasObject(object string) bool {
	prefix := object + "."
	for _, k := range l.order {
		if strings.HasPrefix(k, prefix) || strings.Contains(k, "."+prefix) {
			return true
		}
	}
	return false
}

func (l *pdsLabel) Int(object, key string, def int) (int, error) {
	var v string
	var ok bool
	if object == "" {
		v, ok = l.Get(key)
	} else {
		v, ok = l.Object(object, key)
	}
	if !ok {
		return def, nil
	}
	num, _ := splitUnits(unquote(v))
	n, err := strconv.Atoi(num)
	if err != nil {
		return def, mosaic.NewError(mosaic.CorruptSource, "bad integer for %s: %q", key, v)
	}
	return n, nil
}

func (l *pdsLabel) Float(object, key string) (float64, string, bool) {
	v, ok := l.Object(object, key)
	if !ok {
		return 0, "", false
	}
	num, unit := splitUnits(unquote(v))
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", false
	}
	return f, unit, true
}

func (l *pdsLabel) String(object, key, def string) string {
	v, ok := l.Object(object, key)
	if !ok {
		return def
	}
	return strings.ToUpper(unquote(v))
}

// Keywords returns all keywords with quotes removed.
func (l *pdsLabel) Keywords() map[string]string {
	kw := make(map[string]string, len(l.order))
	for _, k := range l.order {
		kw[k] = unquote(l.values[k])
	}
	return kw
}

// imagePointer is the parsed ^IMAGE keyword.
type imagePointer struct {
	file   string // empty for attached data
	offset int64  // byte offset of the first pixel
}

// parsePointer understands 12, 1024 <BYTES>, "FILE.IMG", ("FILE.IMG", 12) and
// ("FILE.IMG", 1024 <BYTES>).  Record numbers and byte numbers are one-based.
func parsePointer(v string, recordBytes int) (imagePointer, error) {
	var p imagePointer
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "(") {
		v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
		parts := strings.SplitN(v, ",", 2)
		p.file = unquote(parts[0])
		if len(parts) == 1 {
			return p, nil
		}
		v = strings.TrimSpace(parts[1])
	} else if strings.HasPrefix(v, "\"") {
		p.file = unquote(v)
		return p, nil
	}
	num, unit := splitUnits(v)
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 1 {
		return p, mosaic.NewError(mosaic.CorruptSource, "bad ^IMAGE pointer %q", v)
	}
	if strings.EqualFold(unit, "BYTES") {
		p.offset = n - 1
	} else {
		if recordBytes <= 0 {
			return p, mosaic.NewError(mosaic.CorruptSource, "^IMAGE record pointer without RECORD_BYTES")
		}
		p.offset = (n - 1) * int64(recordBytes)
	}
	return p, nil
}
