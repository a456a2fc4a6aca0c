package configuration

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// envPrefix is the prefix of every environment variable considered for
// configuration overrides.
const envPrefix = "REGISTRY"

// overrideFromEnv walks the process environment and applies any variable of
// the form REGISTRY_A_B_C to the configuration field reached by descending
// through fields named a, b, c (matching yaml tag names, case-insensitive).
// REGISTRY_STORAGE replaces the storage driver; deeper storage variables
// set driver parameters, e.g. REGISTRY_STORAGE_FILESYSTEM_ROOTDIRECTORY.
func overrideFromEnv(config *Configuration) error {
	for _, env := range os.Environ() {
		k, v, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(k, envPrefix+"_") {
			continue
		}

		path := strings.Split(strings.TrimPrefix(k, envPrefix+"_"), "_")
		if err := overrideField(reflect.ValueOf(config).Elem(), path, v); err != nil {
			return fmt.Errorf("invalid override %s: %w", k, err)
		}
	}

	return nil
}

func overrideField(field reflect.Value, path []string, value string) error {
	// Storage gets special handling: the next path element names the
	// driver, anything after that a driver parameter.
	if field.Type() == reflect.TypeOf(Storage{}) {
		storage := field.Interface().(Storage)
		if len(path) == 0 {
			field.Set(reflect.ValueOf(Storage{strings.ToLower(value): Parameters{}}))
			return nil
		}

		driverType := strings.ToLower(path[0])
		if storage.Type() != driverType {
			// parameter override for a driver that is not selected
			return nil
		}
		if len(path) == 1 {
			return fmt.Errorf("missing parameter name for storage driver %s", driverType)
		}

		storage.setParameter(strings.ToLower(strings.Join(path[1:], "_")), value)
		return nil
	}

	if field.Type() == reflect.TypeOf(Auth{}) {
		if len(path) == 0 {
			field.Set(reflect.ValueOf(Auth{strings.ToLower(value): Parameters{}}))
			return nil
		}

		a := field.Interface().(Auth)
		if a.Type() != strings.ToLower(path[0]) || len(path) < 2 {
			return nil
		}
		a[a.Type()][strings.ToLower(strings.Join(path[1:], "_"))] = value
		return nil
	}

	if len(path) == 0 {
		return setLeaf(field, value)
	}

	if field.Kind() != reflect.Struct {
		return fmt.Errorf("cannot descend into %s", field.Type())
	}

	name := strings.ToLower(path[0])
	t := field.Type()
	for i := 0; i < t.NumField(); i++ {
		if yamlName(t.Field(i)) == name {
			return overrideField(field.Field(i), path[1:], value)
		}
	}

	return fmt.Errorf("no configuration field %q", name)
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func setLeaf(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		// durations accept either a Go duration string or plain seconds
		if d, err := time.ParseDuration(value); err == nil {
			field.SetInt(int64(d))
			return nil
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as duration", value)
		}
		field.SetInt(int64(time.Duration(secs) * time.Second))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported override type %s", field.Type())
	}

	return nil
}
