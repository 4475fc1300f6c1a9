package fireview

import (
	"fmt"
	"reflect"
)

// StructToMap converts a struct to a map (for Firestore), using the "firestore" tag for field names.
// Maps are passed through unchanged.
func StructToMap(model interface{}) (map[string]interface{}, error) {
	if m, ok := model.(map[string]interface{}); ok {
		return m, nil
	}
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct or pointer to a struct, got %T", model)
	}

	data := make(map[string]interface{})
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		fieldDef := t.Field(i)
		firestoreTag := fieldDef.Tag.Get("firestore")
		if firestoreTag == "" || firestoreTag == "-" {
			continue
		}
		data[firestoreTag] = v.Field(i).Interface()
	}
	return data, nil
}

// SetIDField tries to set the "ID" field if it exists and is of type string.
func SetIDField(model interface{}, id string) {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	field := v.FieldByName("ID")
	if field.IsValid() && field.CanSet() && field.Kind() == reflect.String {
		field.SetString(id)
	}
}

// DataTo copies a document into a struct, matching fields by their firestore tags,
// and sets the ID field from the document key.
func DataTo(doc Document, dest interface{}) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a pointer to a struct")
	}
	v := rv.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("firestore")
		if tag == "" || tag == "-" {
			continue
		}
		value, ok := doc.Data[tag]
		if !ok || value == nil {
			continue
		}
		field := v.Field(i)
		src := reflect.ValueOf(value)
		switch {
		case src.Type().AssignableTo(field.Type()):
			field.Set(src)
		case src.Type().ConvertibleTo(field.Type()) && isNumericKind(src.Kind()) == isNumericKind(field.Kind()):
			field.Set(src.Convert(field.Type()))
		default:
			return fmt.Errorf("field %s: cannot assign %T to %s", tag, value, field.Type())
		}
	}
	SetIDField(dest, doc.Key.ID())
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
