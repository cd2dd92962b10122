package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dot-notation path of JSON keys, e.g.
// "team.stepDelayMs" or "providers.gemini.apiKey".
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		next, err := child(v, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		v = next
	}
	return v.Interface(), nil
}

// SetByPath assigns value at path. Strings are parsed into the target kind
// ("true", "500", "0.2", "a,b" for lists); other values go through their
// JSON form. Map entries are created on demand, struct keys must exist.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if err := set(reflect.ValueOf(cfg).Elem(), strings.Split(path, "."), value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func child(v reflect.Value, key string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Struct:
		if f, ok := fieldByKey(v, key); ok {
			return f, nil
		}
	case reflect.Map:
		if e := v.MapIndex(reflect.ValueOf(key)); e.IsValid() {
			return e, nil
		}
	case reflect.Slice:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < v.Len() {
			return v.Index(i), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("key not found: %s", key)
}

func set(v reflect.Value, parts []string, value any) error {
	key, rest := parts[0], parts[1:]
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByKey(v, key)
		if !ok {
			return fmt.Errorf("key not found: %s", key)
		}
		if len(rest) > 0 {
			return set(f, rest, value)
		}
		nv, err := convert(value, f.Type())
		if err != nil {
			return err
		}
		f.Set(nv)
		return nil

	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		k := reflect.ValueOf(key)
		elem := reflect.New(v.Type().Elem()).Elem()
		if len(rest) == 0 {
			nv, err := convert(value, elem.Type())
			if err != nil {
				return err
			}
			v.SetMapIndex(k, nv)
			return nil
		}
		// Map values are not addressable: edit a copy and store it back.
		if cur := v.MapIndex(k); cur.IsValid() {
			elem.Set(cur)
		}
		if err := set(elem, rest, value); err != nil {
			return err
		}
		v.SetMapIndex(k, elem)
		return nil

	case reflect.Slice:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= v.Len() {
			return fmt.Errorf("invalid index %q", key)
		}
		if len(rest) > 0 {
			return set(v.Index(i), rest, value)
		}
		nv, err := convert(value, v.Type().Elem())
		if err != nil {
			return err
		}
		v.Index(i).Set(nv)
		return nil
	}
	return fmt.Errorf("cannot set %s inside %s", key, v.Kind())
}

func fieldByKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if jsonKey(t.Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonKey(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" || !f.IsExported() {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}

func convert(value any, t reflect.Type) (reflect.Value, error) {
	if s, ok := value.(string); ok {
		return parseString(s, t)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("want %s: %w", t, err)
	}
	return out.Elem(), nil
}

func parseString(s string, t reflect.Type) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return v, fmt.Errorf("want bool, got %q", s)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return v, fmt.Errorf("want integer, got %q", s)
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return v, fmt.Errorf("want number, got %q", s)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if t.Elem().Kind() != reflect.String {
			return v, fmt.Errorf("unsupported list type %s", t)
		}
		var items []string
		for item := range strings.SplitSeq(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v = reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			v.Index(i).SetString(item)
		}
	default:
		return convert(json.RawMessage(s), t)
	}
	return v, nil
}

// Clone returns a deep copy of cfg.
func Clone(cfg *Config) *Config {
	out := *cfg
	out.General.FailoverChain = append([]string(nil), cfg.General.FailoverChain...)
	out.Channels.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Channels.Telegram.AllowFrom...)
	if cfg.Providers != nil {
		out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
		for name, p := range cfg.Providers {
			out.Providers[name] = p
		}
	}
	return &out
}

// Sanitize returns a copy of cfg with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := Clone(cfg)
	for name, p := range out.Providers {
		if p.APIKey != "" {
			p.APIKey = maskString(p.APIKey)
			out.Providers[name] = p
		}
	}
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = maskString(out.Channels.Telegram.Token)
	}
	if out.Channels.Web.Auth.PasswordHash != "" {
		out.Channels.Web.Auth.PasswordHash = "***"
	}
	return out
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its value. Lists are leaves.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	flatten("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func flatten(prefix string, v reflect.Value, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if k := jsonKey(t.Field(i)); k != "" {
				flatten(join(k), v.Field(i), out)
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			flatten(join(iter.Key().String()), iter.Value(), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}
