package normalize

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// FormToJSON folds url-encoded fields into one JSON object.
// Bracketed keys nest: service[name]=x becomes {"service":{"name":"x"}}.
// Repeated keys keep the last value.
func FormToJSON(values url.Values) ([]byte, error) {
	root := map[string]any{}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fieldValues := values[key]
		if len(fieldValues) == 0 {
			continue
		}
		path, err := formKeyPath(key)
		if err != nil {
			return nil, err
		}
		if err := assignFormValue(root, path, fieldValues[len(fieldValues)-1]); err != nil {
			return nil, err
		}
	}

	return json.Marshal(root)
}

// formKeyPath splits a[b][c] into [a b c].
func formKeyPath(key string) ([]string, error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}, nil
	}
	if open == 0 {
		return nil, fmt.Errorf("form key %q has no name", key)
	}

	path := []string{key[:open]}
	rest := key[open:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("form key %q: unexpected %q", key, rest)
		}
		closeAt := strings.IndexByte(rest, ']')
		if closeAt < 0 {
			return nil, fmt.Errorf("form key %q: unclosed bracket", key)
		}
		part := rest[1:closeAt]
		if part == "" {
			return nil, fmt.Errorf("form key %q: empty bracket", key)
		}
		path = append(path, part)
		rest = rest[closeAt+1:]
	}
	return path, nil
}

func assignFormValue(root map[string]any, path []string, value string) error {
	node := root
	for i, part := range path {
		if i == len(path)-1 {
			if _, nested := node[part].(map[string]any); nested {
				return fmt.Errorf("form field %q is both a value and an object", strings.Join(path, "."))
			}
			node[part] = value
			return nil
		}
		switch child := node[part].(type) {
		case map[string]any:
			node = child
		case nil:
			next := map[string]any{}
			node[part] = next
			node = next
		default:
			return fmt.Errorf("form field %q is both a value and an object", strings.Join(path[:i+1], "."))
		}
	}
	return nil
}
