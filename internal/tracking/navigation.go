package tracking

import (
	"fmt"
	"reflect"
	"strings"
)

// NavigationResolver reports whether property is a collection-valued
// navigation property of entity.
type NavigationResolver func(entity any, property string) (isCollection bool, err error)

// ReflectNavigation resolves navigation properties of struct entities. The
// property matches a field by Go name or by json tag name; slice and array
// fields are collections.
func ReflectNavigation(entity any, property string) (bool, error) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false, ErrInvalidEntity
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return false, fmt.Errorf("cannot resolve navigation property %q on %T", property, entity)
	}

	for _, f := range reflect.VisibleFields(v.Type()) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		if f.Name != property && jsonName(f) != property {
			continue
		}
		t := f.Type
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.Kind() {
		case reflect.Slice, reflect.Array:
			return true, nil
		case reflect.Struct, reflect.Interface:
			return false, nil
		default:
			return false, fmt.Errorf("property %q of %T is not a navigation property", property, entity)
		}
	}
	return false, fmt.Errorf("%T has no property %q", entity, property)
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}
