package bus

import (
	"fmt"
	"sort"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const reservedHeaderPrefix = "x-"

// Match reports whether message headers satisfy a declared predicate. Keys
// prefixed with "x-" are ignored on both sides. A predicate without any
// comparable key matches every message.
func Match(want, got map[string]any, matchAll bool) bool {
	considered := 0
	matched := 0

	for key, wantValue := range want {
		if strings.HasPrefix(key, reservedHeaderPrefix) {
			continue
		}
		considered++

		gotValue, ok := got[key]
		if ok && normalizeValue(gotValue) == normalizeValue(wantValue) {
			matched++
			continue
		}
		if matchAll {
			return false
		}
	}

	if considered == 0 || matchAll {
		return true
	}
	return matched > 0
}

// HeadersFromTable converts AMQP headers to plain values comparable by Match.
func HeadersFromTable(table amqp.Table) map[string]any {
	out := make(map[string]any, len(table))
	for key, value := range table {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case string, bool:
		return v
	case []byte:
		return string(v)
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", v)
	}
}

// brokerHeaders is the part of a predicate the exchange evaluates. The event
// name is always required, so an any-predicate is bound on the name alone
// and narrowed by Match on delivery.
func brokerHeaders(headers map[string]any, matchAll bool) map[string]any {
	if !matchAll {
		return nil
	}
	return headers
}

func bindingArguments(eventName string, headers map[string]any, matchAll bool) amqp.Table {
	headers = brokerHeaders(headers, matchAll)
	args := make(amqp.Table, len(headers)+2)
	for key, value := range headers {
		args[key] = value
	}
	args["name"] = eventName
	args["x-match"] = "all"
	return args
}

// bindingKey identifies the broker binding declared for a predicate; any two
// predicates with the same key share it.
func bindingKey(eventName string, headers map[string]any, matchAll bool) string {
	headers = brokerHeaders(headers, matchAll)
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(eventName)
	for _, key := range keys {
		value := normalizeValue(headers[key])
		fmt.Fprintf(&b, "|%s=%T:%v", key, value, value)
	}
	return b.String()
}
