package nilcheck

import "reflect"

// Any reports whether v is nil, including typed-nil interface values such as
// a nil pointer stored in a non-nil interface.
func Any(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
