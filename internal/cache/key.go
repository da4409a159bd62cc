package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxKeyDepth = 32

var timeType = reflect.TypeOf(time.Time{})

// Key builds the cache key "<namespace>:<normalized filters>". Logically equal
// filters produce the same key regardless of map/struct field order or the
// order of slice elements. Dates collapse to YYYY-MM-DD.
//
// Values that cannot be normalized (functions, channels, cycles) yield a
// unique key instead, which degrades to a cache miss.
func Key(namespace string, filters any) string {
	k, err := buildKey(namespace, filters)
	if err != nil {
		zap.L().Warn("cache key normalization failed, bypassing cache",
			zap.String("namespace", namespace), zap.Error(err))
		return namespace + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return k
}

// ItemKey is the key of a single resource inside a namespace.
func ItemKey(namespace, id string) string {
	return namespace + ":id:" + id
}

func buildKey(namespace string, filters any) (string, error) {
	norm, err := normalize(reflect.ValueOf(filters), 0)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return "", errors.Wrap(err, "serialize filters")
	}
	return namespace + ":" + string(b), nil
}

func normalize(v reflect.Value, depth int) (any, error) {
	if depth > maxKeyDepth {
		return nil, errors.New("filters nested too deeply or cyclic")
	}
	if !v.IsValid() {
		return nil, nil
	}
	if v.Type() == timeType {
		return v.Interface().(time.Time).Format("2006-01-02"), nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return normalize(v.Elem(), depth+1)

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, err := normalize(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			if val == nil {
				continue
			}
			out[mapKey(iter.Key())] = val
		}
		return out, nil

	case reflect.Struct:
		out := make(map[string]any)
		if err := normalizeStruct(v, out, depth); err != nil {
			return nil, err
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		return normalizeList(v, depth)

	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported filter value of kind %s", v.Kind())
}

func normalizeStruct(v reflect.Value, out map[string]any, depth int) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonField(f)
		if skip {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && name == "" && fv.Kind() == reflect.Struct {
			if err := normalizeStruct(fv, out, depth+1); err != nil {
				return err
			}
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		val, err := normalize(fv, depth+1)
		if err != nil {
			return err
		}
		if val == nil {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = val
	}
	return nil
}

func normalizeList(v reflect.Value, depth int) (any, error) {
	type item struct {
		val any
		enc string
	}
	items := make([]item, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		val, err := normalize(v.Index(i), depth+1)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrap(err, "serialize filter element")
		}
		items = append(items, item{val: val, enc: string(b)})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].enc < items[j].enc })

	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.val
	}
	return out, nil
}

func jsonField(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return parts[0], omitEmpty, false
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}
