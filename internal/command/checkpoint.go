package command

import (
	"bufio"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// CheckpointRecord is a structured progress marker scraped from a guest
// payload's stdout/stderr.
type CheckpointRecord struct {
	Name   string
	Params map[string]interface{}
	Raw    string
}

var checkpointRe = regexp.MustCompile(`CHECKPOINT\('([^']*)',\s*'([^']*)'\)`)

// ScanCheckpoints reads r line by line and invokes emit for every
// CHECKPOINT('NAME', 'params') marker found, in the order lines arrive. It
// never buffers the whole stream: a slow emit back-pressures the reader,
// matching the teacher's line-at-a-time stdout parser.
func ScanCheckpoints(r io.Reader, emit func(CheckpointRecord)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, rec := range parseCheckpointsInLine(line) {
			emit(rec)
		}
	}
	return scanner.Err()
}

func parseCheckpointsInLine(line string) []CheckpointRecord {
	matches := checkpointRe.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]CheckpointRecord, 0, len(matches))
	for _, m := range matches {
		out = append(out, CheckpointRecord{
			Name:   m[1],
			Params: parseCheckpointParams(m[2]),
			Raw:    m[0],
		})
	}
	return out
}

// parseCheckpointParams parses a checkpoint's params blob as JSON when
// syntactically valid, falling back to whitespace-separated key=value pairs
// with numeric coercion.
func parseCheckpointParams(blob string) map[string]interface{} {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return map[string]interface{}{}
	}
	var asJSON map[string]interface{}
	if strings.HasPrefix(blob, "{") {
		if err := json.Unmarshal([]byte(blob), &asJSON); err == nil {
			return asJSON
		}
	}
	out := map[string]interface{}{}
	for _, field := range strings.Fields(blob) {
		idx := strings.IndexByte(field, '=')
		if idx < 0 {
			continue
		}
		key := field[:idx]
		val := field[idx+1:]
		out[key] = coerceParamValue(val)
	}
	return out
}

func coerceParamValue(val string) interface{} {
	if i, err := strconv.ParseInt(val, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	switch val {
	case "true":
		return true
	case "false":
		return false
	}
	return val
}

// WrapWithCheckpoints prepends an INIT checkpoint and appends a COMPLETE
// checkpoint to a payload script, when progress reporting was requested.
// Otherwise the payload is returned unchanged.
func WrapWithCheckpoints(script string, enabled bool) string {
	if !enabled {
		return script
	}
	var b strings.Builder
	b.WriteString(`SAY "CHECKPOINT('INIT', 'progress=0')"`)
	b.WriteByte('\n')
	b.WriteString(script)
	b.WriteByte('\n')
	b.WriteString(`SAY "CHECKPOINT('COMPLETE', 'progress=100')"`)
	return b.String()
}
