package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths use the JSON key names joined by dots, e.g. "knowledge.topK",
// "providers.groq.defaultModel" or "video.cookieBrowsers.0".

// GetByPath returns the value at path as it appears in the JSON config.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := asTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			node = v[i]
		default:
			return nil, fmt.Errorf("%s: %s is not a section", path, key)
		}
	}
	return node, nil
}

// SetByPath parses raw according to the type of the field at path and
// stores it. Unknown paths are rejected so a typo cannot silently write a
// key nothing reads. List fields take a comma separated value.
func SetByPath(cfg *Config, path, raw string) error {
	parts := strings.Split(path, ".")
	leaf, err := fieldType(reflect.TypeOf(*cfg), parts, path)
	if err != nil {
		return err
	}
	value, err := parseAs(leaf, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tree, err := asTree(cfg)
	if err != nil {
		return err
	}
	section := tree
	for _, key := range parts[:len(parts)-1] {
		child, ok := section[key].(map[string]any)
		if !ok {
			// omitempty sections and new provider entries are absent
			child = map[string]any{}
			section[key] = child
		}
		section = child
	}
	section[parts[len(parts)-1]] = value

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// ListPaths flattens the config into path/value pairs.
func ListPaths(cfg *Config) map[string]any {
	tree, err := asTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

// Sanitize returns a copy of cfg with every credential masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var masked Config
	if err := json.Unmarshal(data, &masked); err != nil {
		return cfg
	}

	for name, prov := range masked.Providers {
		prov.APIKey = maskString(prov.APIKey)
		masked.Providers[name] = prov
	}
	for _, secret := range []*string{
		&masked.Embedding.APIKey,
		&masked.Transcription.APIKey,
		&masked.Speech.APIKey,
		&masked.Channels.Telegram.Token,
		&masked.API.APIKey,
	} {
		*secret = maskString(*secret)
	}
	return &masked
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

func asTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}

// fieldType resolves the Go type behind a JSON path.
func fieldType(t reflect.Type, parts []string, path string) (reflect.Type, error) {
	for i, key := range parts {
		switch t.Kind() {
		case reflect.Struct:
			f, ok := jsonField(t, key)
			if !ok {
				return nil, fmt.Errorf("unknown config key: %s", path)
			}
			t = f.Type
		case reflect.Map:
			t = t.Elem()
		default:
			return nil, fmt.Errorf("%s: cannot set inside %s", path, strings.Join(parts[:i], "."))
		}
	}
	if t.Kind() == reflect.Struct || t.Kind() == reflect.Map {
		return nil, fmt.Errorf("%s is a section, not a value", path)
	}
	return t, nil
}

func jsonField(t reflect.Type, key string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == key {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func parseAs(t reflect.Type, raw string) (any, error) {
	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int, reflect.Int32, reflect.Int64:
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(raw, 64)
	case reflect.Slice:
		items := []any{}
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}
