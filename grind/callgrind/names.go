package callgrind

import (
	"fmt"
	"strings"
)

// compressed maps name compression ids to names. "(12) name" defines id 12
// and "(12)" refers back to it. Values without an id are used verbatim.
type compressed map[string]string

func (c compressed) resolve(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "(") {
		return value, nil
	}
	end := strings.IndexByte(value, ')')
	if end < 0 {
		return value, nil
	}
	id := value[1:end]
	name := strings.TrimSpace(value[end+1:])
	if name != "" {
		c[id] = name
		return name, nil
	}
	name, ok := c[id]
	if !ok {
		return "", fmt.Errorf("reference to undefined compressed name (%s)", id)
	}
	return name, nil
}
