package catalog

import (
	"bufio"
	"os"
	"strings"
)

// props holds the key=value pairs from a module.prop file.
type props map[string]string

// readProps parses a module.prop file. Lines without '=' and comment lines
// are skipped; a missing file yields an empty map, since the directory name
// alone is enough to identify a module.
func readProps(path string) (props, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return props{}, nil
		}
		return nil, err
	}
	defer f.Close()

	p := make(props)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		p[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p props) get(key, fallback string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return fallback
}
