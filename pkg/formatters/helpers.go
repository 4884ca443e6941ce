package formatters

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Fallback renders a record without any configurable formatter. Handlers use
// it when the attached formatter fails, so a record is never lost to an
// encoding bug. The output is a single text line.
func Fallback(rec *types.LogRecord, cause error) []byte {
	var b strings.Builder
	b.WriteString(rec.Time.UTC().Format(time.RFC3339Nano))
	b.WriteString(" ")
	b.WriteString(rec.Level.String())
	if rec.Logger != "" {
		b.WriteString(" ")
		b.WriteString(rec.Logger)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(singleLine(rec.Message))
	if cause != nil {
		b.WriteString(" [format error: ")
		b.WriteString(singleLine(cause.Error()))
		b.WriteString("]")
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func singleLine(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", `\n`)
}

// sortedKeys returns map keys in stable order so output is deterministic.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// safeFields creates a copy of extras that is guaranteed to be serializable:
// cycles and overly deep values are replaced by markers.
func safeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	visited := make(map[uintptr]bool)
	result := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		result[k] = safeFieldsCopy(v, visited, 0)
	}
	return result
}

func safeFieldsCopy(value interface{}, visited map[uintptr]bool, depth int) interface{} {
	const maxDepth = 10
	if depth > maxDepth {
		return "[max depth exceeded]"
	}
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if visited[addr] {
			return "[circular reference]"
		}
		visited[addr] = true
		defer delete(visited, addr)

		result := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			result[fmt.Sprint(iter.Key().Interface())] = safeFieldsCopy(iter.Value().Interface(), visited, depth+1)
		}
		return result

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return value
		}
		addr := v.Pointer()
		if visited[addr] {
			return "[circular reference]"
		}
		visited[addr] = true
		defer delete(visited, addr)
		fallthrough

	case reflect.Array:
		result := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			result[i] = safeFieldsCopy(v.Index(i).Interface(), visited, depth+1)
		}
		return result

	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if visited[addr] {
			return "[circular reference]"
		}
		visited[addr] = true
		defer delete(visited, addr)
		return safeFieldsCopy(v.Elem().Interface(), visited, depth+1)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", v.Kind())
	}

	return value
}
