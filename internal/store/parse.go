package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseOutput extracts key/value rows from a primary output file. The
// expected format: first line a JSON object with the task's parameters,
// remaining lines "Key: Value" pairs. Lines that don't fit are skipped;
// inf and nan values normalize to -1. Positional arguments (empty key in
// the header) are dropped. A non-nil error means scanning stopped early
// (a line over the buffer limit); the returned map holds everything
// parsed up to that point.
func ParseOutput(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			var header map[string]interface{}
			if err := json.Unmarshal([]byte(line), &header); err == nil {
				for k, v := range header {
					if k == "" {
						continue
					}
					out[k] = stringify(v)
				}
				continue
			}
			// No header line; fall through and try key/value parsing.
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		switch strings.ToLower(value) {
		case "inf", "-inf", "nan":
			value = "-1"
		}
		out[key] = value
	}
	return out, scanner.Err()
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
