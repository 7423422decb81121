package fhirpath

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"

	"github.com/iancoleman/strcase"
)

// Object is a generic tree node decoded from a JSON document.
//
// Fields keep their document order and a name may repeat, representing
// repeating elements. An Object may carry a type tag taken from the
// document's "resourceType" field, anchoring it in the installed type
// hierarchy.
type Object struct {
	defaultConversionError[Object]
	typ    TypeSpecifier
	fields []objectField
}

type objectField struct {
	name  string
	value Element
}

// NewObject returns an empty Object with the given type tag.
func NewObject(typ TypeSpecifier) Object {
	return Object{typ: typ}
}

// Append returns a copy of the object with an additional field. Call it
// repeatedly with the same name to build a repeating element.
func (o Object) Append(name string, value Element) Object {
	fields := make([]objectField, len(o.fields), len(o.fields)+1)
	copy(fields, o.fields)
	o.fields = append(fields, objectField{name: name, value: value})
	return o
}

// Children returns the fields with the given names.
//
// A requested name that has no exact match also matches choice elements:
// fields named like the request with a capitalized type suffix appended,
// e.g. "value" matches "valueQuantity".
func (o Object) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 {
		for _, f := range o.fields {
			children = append(children, f.value)
		}
		return children
	}
	for _, n := range name {
		matched := false
		for _, f := range o.fields {
			if f.name == n {
				children = append(children, f.value)
				matched = true
			}
		}
		if matched {
			continue
		}
		children = append(children, o.choiceValues(n)...)
	}
	return children
}

// choiceValues resolves a choice element base name to its typed variant
// fields, stamping the type suffix onto each returned value so type
// operators see e.g. FHIR.Quantity after accessing "value" on an object
// holding "valueQuantity".
func (o Object) choiceValues(base string) Collection {
	var values Collection
	for _, f := range o.fields {
		if !isChoiceVariant(f.name, base) {
			continue
		}
		typeName := f.name[len(base):]
		// only canonical base+UpperCamel compositions are choice fields;
		// near-misses like "value_quantity" are ordinary members
		if choiceFieldName(base, typeName) != f.name {
			continue
		}
		values = append(values, o.tagChoiceValue(f.value, typeName))
	}
	return values
}

// tagChoiceValue sets the type tag of an untagged object value to the
// choice variant's type, in the same namespace as the parent. Primitive
// values and already-tagged objects pass through unchanged.
func (o Object) tagChoiceValue(value Element, typeName string) Element {
	obj, ok := value.(Object)
	if !ok || obj.typ.Name != "" {
		return value
	}
	obj.typ = TypeSpecifier{Namespace: o.typ.Namespace, Name: typeName}
	return obj
}

// ChoiceTypeName returns the type-suffix of the choice element field
// backing the given base name, e.g. "Quantity" for base "value" when the
// object holds "valueQuantity".
func (o Object) ChoiceTypeName(base string) (string, bool) {
	for _, f := range o.fields {
		if isChoiceVariant(f.name, base) {
			return f.name[len(base):], true
		}
	}
	return "", false
}

// isChoiceVariant reports whether field is base plus a capitalized type
// suffix, e.g. base "value" matches "valueQuantity".
func isChoiceVariant(field, base string) bool {
	if len(field) <= len(base) || field[:len(base)] != base {
		return false
	}
	r, _ := utf8.DecodeRuneInString(field[len(base):])
	return unicode.IsUpper(r)
}

// choiceFieldName composes a choice element field name from its base
// name and type, e.g. ("value", "Quantity") yields "valueQuantity".
func choiceFieldName(base, typeName string) string {
	return base + strcase.ToCamel(typeName)
}

func (o Object) Equal(other Element) (eq bool, ok bool) {
	e, isObject := other.(Object)
	if !isObject {
		return false, true
	}
	if o.typ != e.typ {
		return false, true
	}
	if len(o.fields) != len(e.fields) {
		return false, true
	}
	for i, f := range o.fields {
		if f.name != e.fields[i].name {
			return false, true
		}
		eq, ok := f.value.Equal(e.fields[i].value)
		if !ok || !eq {
			return false, ok
		}
	}
	return true, true
}
func (o Object) Equivalent(other Element) bool {
	e, isObject := other.(Object)
	if !isObject {
		return false
	}
	if len(o.fields) != len(e.fields) {
		return false
	}
	for i, f := range o.fields {
		if f.name != e.fields[i].name {
			return false
		}
		if !f.value.Equivalent(e.fields[i].value) {
			return false
		}
	}
	return true
}
func (o Object) TypeInfo() TypeInfo {
	if o.typ.Name != "" {
		namespace := o.typ.Namespace
		return SimpleTypeInfo{
			Namespace: namespace,
			Name:      o.typ.Name,
			BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		}
	}
	var elements []TupleTypeInfoElement
	for _, f := range o.fields {
		spec, _ := f.value.TypeInfo().QualifiedName()
		elements = append(elements, TupleTypeInfoElement{
			Name: f.name,
			Type: spec,
		})
	}
	return TupleTypeInfo{Element: elements}
}

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	for i := 0; i < len(o.fields); {
		name := o.fields[i].name
		end := i + 1
		for end < len(o.fields) && o.fields[end].name == name {
			end++
		}

		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		if end-i == 1 {
			value, err := json.Marshal(o.fields[i].value)
			if err != nil {
				return nil, err
			}
			buf.Write(value)
		} else {
			buf.WriteByte('[')
			for j := i; j < end; j++ {
				if j > i {
					buf.WriteByte(',')
				}
				value, err := json.Marshal(o.fields[j].value)
				if err != nil {
					return nil, err
				}
				buf.Write(value)
			}
			buf.WriteByte(']')
		}

		i = end
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o Object) String() string {
	buf, err := o.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(buf)
}

// ObjectFromJSON decodes a JSON document into an Object tree.
//
// Field order is preserved, arrays become repeating fields, nulls are
// dropped. A top-level "resourceType" field becomes the object's type
// tag within the given namespace.
func ObjectFromJSON(namespace string, r io.Reader) (Object, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Object{}, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Object{}, fmt.Errorf("expected JSON object, got %v", tok)
	}

	obj, err := decodeJSONObject(namespace, dec)
	if err != nil {
		return Object{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Object{}, fmt.Errorf("unexpected content after JSON document")
	}
	return obj, nil
}

func decodeJSONObject(namespace string, dec *json.Decoder) (Object, error) {
	var obj Object
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Object{}, err
		}
		name, ok := tok.(string)
		if !ok {
			return Object{}, fmt.Errorf("expected object key, got %v", tok)
		}

		if err := decodeJSONValue(namespace, dec, &obj, name); err != nil {
			return Object{}, err
		}
	}
	// consume closing brace
	if _, err := dec.Token(); err != nil {
		return Object{}, err
	}

	if typeName, ok := typeTag(obj); ok {
		obj.typ = TypeSpecifier{Namespace: namespace, Name: typeName}
	}
	return obj, nil
}

func typeTag(obj Object) (string, bool) {
	for _, f := range obj.fields {
		if f.name != "resourceType" {
			continue
		}
		if s, ok, err := f.value.ToString(false); err == nil && ok {
			return string(s), true
		}
	}
	return "", false
}

func decodeJSONValue(namespace string, dec *json.Decoder, obj *Object, name string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			child, err := decodeJSONObject(namespace, dec)
			if err != nil {
				return err
			}
			obj.fields = append(obj.fields, objectField{name: name, value: child})
		case '[':
			for dec.More() {
				if err := decodeJSONValue(namespace, dec, obj, name); err != nil {
					return err
				}
			}
			// consume closing bracket
			if _, err := dec.Token(); err != nil {
				return err
			}
		}
	case string:
		obj.fields = append(obj.fields, objectField{name: name, value: String(v)})
	case bool:
		obj.fields = append(obj.fields, objectField{name: name, value: Boolean(v)})
	case json.Number:
		element, err := numberElement(v)
		if err != nil {
			return err
		}
		obj.fields = append(obj.fields, objectField{name: name, value: element})
	case nil:
		// null values carry no information
	default:
		return fmt.Errorf("unexpected JSON token %v", tok)
	}
	return nil
}

func numberElement(n json.Number) (Element, error) {
	if i, err := n.Int64(); err == nil && !bytes.ContainsAny([]byte(n.String()), ".eE") {
		return Integer(i), nil
	}
	d, err := ParseDecimal(n.String())
	if err != nil {
		return nil, fmt.Errorf("invalid JSON number %q: %v", n.String(), err)
	}
	return d, nil
}
