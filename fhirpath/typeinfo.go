package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// TypeInfo describes the type of an element. Type information is itself
// part of the element model, so reflection results can flow through
// expressions.
type TypeInfo interface {
	Element
	QualifiedName() (TypeSpecifier, bool)
	BaseTypeName() (TypeSpecifier, bool)
}

type SimpleTypeInfo struct {
	defaultConversionError[SimpleTypeInfo]
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	BaseType  TypeSpecifier `json:"baseType"`
}

func (i SimpleTypeInfo) QualifiedName() (TypeSpecifier, bool) {
	return TypeSpecifier{Namespace: i.Namespace, Name: i.Name}, true
}
func (i SimpleTypeInfo) BaseTypeName() (TypeSpecifier, bool) {
	return i.BaseType, true
}
func (i SimpleTypeInfo) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "namespace") {
		children = append(children, String(i.Namespace))
	}
	if len(name) == 0 || slices.Contains(name, "name") {
		children = append(children, String(i.Name))
	}
	if len(name) == 0 || slices.Contains(name, "baseType") {
		children = append(children, i.BaseType)
	}
	return children
}
func (i SimpleTypeInfo) Equal(other Element) (eq bool, ok bool) {
	return i == other, true
}
func (i SimpleTypeInfo) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i SimpleTypeInfo) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "SimpleTypeInfo",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "namespace", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "name", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "baseType", Type: TypeSpecifier{Namespace: "System", Name: "TypeSpecifier"}},
		},
	}
}
func (i SimpleTypeInfo) MarshalJSON() ([]byte, error) {
	type alias SimpleTypeInfo
	return json.Marshal(alias(i))
}
func (i SimpleTypeInfo) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

// ClassInfo describes a named class type with its elements. Installing
// ClassInfo for document types via WithTypes enables type filtering,
// choice element resolution and strict path checking.
type ClassInfo struct {
	defaultConversionError[ClassInfo]
	Namespace string             `json:"namespace"`
	Name      string             `json:"name"`
	BaseType  TypeSpecifier      `json:"baseType"`
	Element   []ClassInfoElement `json:"element"`
}

func (i ClassInfo) QualifiedName() (TypeSpecifier, bool) {
	return TypeSpecifier{Namespace: i.Namespace, Name: i.Name}, true
}
func (i ClassInfo) BaseTypeName() (TypeSpecifier, bool) {
	return i.BaseType, true
}
func (i ClassInfo) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "namespace") {
		children = append(children, String(i.Namespace))
	}
	if len(name) == 0 || slices.Contains(name, "name") {
		children = append(children, String(i.Name))
	}
	if len(name) == 0 || slices.Contains(name, "baseType") {
		children = append(children, i.BaseType)
	}
	if len(name) == 0 || slices.Contains(name, "element") {
		for _, e := range i.Element {
			children = append(children, e)
		}
	}
	return children
}
func (i ClassInfo) Equal(other Element) (eq bool, ok bool) {
	o, ok := other.(ClassInfo)
	if !ok {
		return false, true
	}
	if i.Namespace != o.Namespace {
		return false, true
	}
	if i.Name != o.Name {
		return false, true
	}
	if i.BaseType != o.BaseType {
		return false, true
	}
	if len(i.Element) != len(o.Element) {
		return false, true
	}
	for i, e := range i.Element {
		if e != o.Element[i] {
			return false, true
		}
	}
	return true, true
}
func (i ClassInfo) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i ClassInfo) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "ClassInfo",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "namespace", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "name", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "baseType", Type: TypeSpecifier{Namespace: "System", Name: "TypeSpecifier"}},
			{Name: "element", Type: TypeSpecifier{Namespace: "System", Name: "ClassInfoElement"}},
		},
	}
}
func (i ClassInfo) MarshalJSON() ([]byte, error) {
	type alias ClassInfo
	return json.Marshal(alias(i))
}
func (i ClassInfo) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

type ClassInfoElement struct {
	defaultConversionError[ClassInfoElement]
	Name       string        `json:"name"`
	Type       TypeSpecifier `json:"type"`
	IsOneBased bool          `json:"isOneBased"`
}

func (i ClassInfoElement) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "name") {
		children = append(children, String(i.Name))
	}
	if len(name) == 0 || slices.Contains(name, "type") {
		children = append(children, i.Type)
	}
	if len(name) == 0 || slices.Contains(name, "isOneBased") {
		children = append(children, Boolean(i.IsOneBased))
	}
	return children
}
func (i ClassInfoElement) Equal(other Element) (eq bool, ok bool) {
	return i == other, true
}
func (i ClassInfoElement) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i ClassInfoElement) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "ClassInfoElement",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "name", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "type", Type: TypeSpecifier{Namespace: "System", Name: "TypeSpecifier"}},
			{Name: "isOneBased", Type: TypeSpecifier{Namespace: "System", Name: "Boolean"}},
		},
	}
}
func (i ClassInfoElement) MarshalJSON() ([]byte, error) {
	type alias ClassInfoElement
	return json.Marshal(alias(i))
}
func (i ClassInfoElement) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

type ListTypeInfo struct {
	defaultConversionError[ListTypeInfo]
	ElementType TypeSpecifier `json:"elementType"`
}

func (i ListTypeInfo) QualifiedName() (TypeSpecifier, bool) {
	return TypeSpecifier{}, false
}
func (i ListTypeInfo) BaseTypeName() (TypeSpecifier, bool) {
	return TypeSpecifier{}, false
}
func (i ListTypeInfo) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "elementType") {
		children = append(children, i.ElementType)
	}
	return children
}
func (i ListTypeInfo) Equal(other Element) (eq bool, ok bool) {
	return i == other, true
}
func (i ListTypeInfo) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i ListTypeInfo) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "ListTypeInfo",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "elementType", Type: TypeSpecifier{Namespace: "System", Name: "TypeSpecifier"}},
		},
	}
}
func (i ListTypeInfo) MarshalJSON() ([]byte, error) {
	type alias ListTypeInfo
	return json.Marshal(alias(i))
}
func (i ListTypeInfo) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

// TupleTypeInfo describes an anonymous structured type, used for Object
// nodes without an installed class.
type TupleTypeInfo struct {
	defaultConversionError[TupleTypeInfo]
	Element []TupleTypeInfoElement `json:"element"`
}

func (i TupleTypeInfo) QualifiedName() (TypeSpecifier, bool) {
	return TypeSpecifier{}, false
}
func (i TupleTypeInfo) BaseTypeName() (TypeSpecifier, bool) {
	return TypeSpecifier{}, false
}
func (i TupleTypeInfo) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "element") {
		for _, e := range i.Element {
			children = append(children, e)
		}
	}
	return children
}
func (i TupleTypeInfo) Equal(other Element) (eq bool, ok bool) {
	o, ok := other.(TupleTypeInfo)
	if !ok {
		return false, true
	}
	if len(i.Element) != len(o.Element) {
		return false, true
	}
	for i, e := range i.Element {
		if e != o.Element[i] {
			return false, true
		}
	}
	return true, true
}
func (i TupleTypeInfo) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i TupleTypeInfo) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "TupleTypeInfo",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "element", Type: TypeSpecifier{Namespace: "System", Name: "TupleTypeInfoElement"}},
		},
	}
}
func (i TupleTypeInfo) MarshalJSON() ([]byte, error) {
	type alias TupleTypeInfo
	return json.Marshal(alias(i))
}
func (i TupleTypeInfo) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

type TupleTypeInfoElement struct {
	defaultConversionError[TupleTypeInfoElement]
	Name       string        `json:"name"`
	Type       TypeSpecifier `json:"type"`
	IsOneBased bool          `json:"isOneBased"`
}

func (i TupleTypeInfoElement) Children(name ...string) Collection {
	var children Collection
	if len(name) == 0 || slices.Contains(name, "name") {
		children = append(children, String(i.Name))
	}
	if len(name) == 0 || slices.Contains(name, "type") {
		children = append(children, i.Type)
	}
	if len(name) == 0 || slices.Contains(name, "isOneBased") {
		children = append(children, Boolean(i.IsOneBased))
	}
	return children
}
func (i TupleTypeInfoElement) Equal(other Element) (eq bool, ok bool) {
	return i == other, true
}
func (i TupleTypeInfoElement) Equivalent(other Element) bool {
	eq, _ := i.Equal(other)
	return eq
}
func (i TupleTypeInfoElement) TypeInfo() TypeInfo {
	return ClassInfo{
		Namespace: "System",
		Name:      "TupleTypeInfoElement",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		Element: []ClassInfoElement{
			{Name: "name", Type: TypeSpecifier{Namespace: "System", Name: "String"}},
			{Name: "type", Type: TypeSpecifier{Namespace: "System", Name: "TypeSpecifier"}},
			{Name: "isOneBased", Type: TypeSpecifier{Namespace: "System", Name: "Boolean"}},
		},
	}
}
func (i TupleTypeInfoElement) MarshalJSON() ([]byte, error) {
	type alias TupleTypeInfoElement
	return json.Marshal(alias(i))
}
func (i TupleTypeInfoElement) String() string {
	buf, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

// TypeSpecifier is a possibly qualified type name.
type TypeSpecifier struct {
	defaultConversionError[TypeSpecifier]
	Namespace string
	Name      string
	List      bool
}

func ParseTypeSpecifier(s string) TypeSpecifier {
	if strings.HasPrefix(s, "List<") {
		s = strings.TrimPrefix(s, "List<")
		s = strings.TrimSuffix(s, ">")
	}

	split := strings.SplitN(s, ".", 2)
	if len(split) == 1 {
		return TypeSpecifier{
			Name: strings.Trim(split[0], "`"),
		}
	} else {
		return TypeSpecifier{
			Namespace: strings.Trim(split[0], "`"),
			Name:      strings.Trim(split[1], "`"),
		}
	}
}

func (t TypeSpecifier) Children(name ...string) Collection {
	return nil
}
func (t TypeSpecifier) Equal(other Element) (eq bool, ok bool) {
	return t == other, true
}
func (t TypeSpecifier) Equivalent(other Element) bool {
	eq, _ := t.Equal(other)
	return eq
}
func (t TypeSpecifier) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "TypeSpecifier",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (t TypeSpecifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
func (t TypeSpecifier) String() string {
	var s string
	if t.Namespace != "" {
		s = fmt.Sprintf("%s.%s", t.Namespace, t.Name)
	} else {
		s = t.Name
	}
	if t.List {
		return fmt.Sprintf("List<%s>", s)
	}
	return s
}

type namespaceKey struct{}

// WithNamespace installs the default namespace used to resolve
// unqualified type names. Unqualified names resolve against this
// namespace first, then against System.
func WithNamespace(
	ctx context.Context,
	namespace string,
) context.Context {
	return context.WithValue(ctx, namespaceKey{}, namespace)
}

func contextNamespace(ctx context.Context) string {
	ns, ok := ctx.Value(namespaceKey{}).(string)
	if !ok {
		return "System"
	}
	return ns
}

type knownTypesKey struct{}

// WithTypes installs the given types into the context, making them
// available for type tests, filtering and strict path checking.
func WithTypes(
	ctx context.Context,
	types []TypeInfo,
) context.Context {
	typeMap := knownTypes(ctx)
	for _, t := range types {
		qual, ok := t.QualifiedName()
		if !ok {
			continue
		}
		typeMap[qual] = t
	}
	return context.WithValue(ctx, knownTypesKey{}, typeMap)
}

// WithTypeHierarchy installs a bare subtype hierarchy, mapping each
// child type name to its parent within the given namespace. Parents
// that appear only on the right-hand side derive from System.Any.
func WithTypeHierarchy(
	ctx context.Context,
	namespace string,
	hierarchy map[string]string,
) context.Context {
	var types []TypeInfo
	seen := map[string]bool{}
	for child, parent := range hierarchy {
		types = append(types, SimpleTypeInfo{
			Namespace: namespace,
			Name:      child,
			BaseType:  TypeSpecifier{Namespace: namespace, Name: parent},
		})
		seen[child] = true
	}
	for _, parent := range hierarchy {
		if seen[parent] {
			continue
		}
		seen[parent] = true
		types = append(types, SimpleTypeInfo{
			Namespace: namespace,
			Name:      parent,
			BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
		})
	}
	return WithTypes(ctx, types)
}

func knownTypes(ctx context.Context) map[TypeSpecifier]TypeInfo {
	types, ok := ctx.Value(knownTypesKey{}).(map[TypeSpecifier]TypeInfo)
	if !ok {
		types = maps.Clone(systemTypesMap())
	}
	return types
}

var (
	systemTypes = []TypeInfo{
		Boolean(false).TypeInfo(),
		String("").TypeInfo(),
		Integer(0).TypeInfo(),
		Decimal{}.TypeInfo(),
		Date{}.TypeInfo(),
		Time{}.TypeInfo(),
		DateTime{}.TypeInfo(),
		Quantity{}.TypeInfo(),
	}
	systemTypesMap = sync.OnceValue(func() map[TypeSpecifier]TypeInfo {
		m := map[TypeSpecifier]TypeInfo{}
		for _, t := range systemTypes {
			q, ok := t.QualifiedName()
			if !ok {
				continue
			}
			m[q] = t
		}
		return m
	})
)

func resolveType(ctx context.Context, spec TypeSpecifier) (TypeInfo, bool) {
	if spec.Namespace == "" {
		// search context-specific namespace first
		info, ok := resolveType(ctx, TypeSpecifier{
			Namespace: contextNamespace(ctx),
			Name:      spec.Name,
		})
		if !ok {
			info, ok = resolveType(ctx, TypeSpecifier{
				Namespace: "System",
				Name:      spec.Name,
			})
		}
		return info, ok
	}

	typeMap := knownTypes(ctx)

	t, ok := typeMap[spec]
	return t, ok
}

func subTypeOf(ctx context.Context, target, isOf TypeInfo) bool {
	isOfQual, ok := isOf.QualifiedName()
	if !ok {
		// has no type
		return false
	}

	typQual, ok := target.QualifiedName()
	if ok && typQual == isOfQual {
		return true
	}
	baseQual, ok := target.BaseTypeName()
	if ok && baseQual == isOfQual {
		return true
	}

	baseType, ok := resolveType(ctx, baseQual)
	if !ok {
		return false
	}

	return subTypeOf(ctx, baseType, isOf)
}

func isType(ctx context.Context, target Element, isOf TypeSpecifier) (Element, error) {
	typ, ok := resolveType(ctx, isOf)
	if !ok {
		// an unresolvable type never matches
		return Boolean(false), nil
	}

	if subTypeOf(ctx, target.TypeInfo(), typ) {
		return Boolean(true), nil
	}

	targetQual, ok := target.TypeInfo().QualifiedName()
	if !ok {
		return Boolean(false), nil
	}

	// Document-model primitives carrying a string value match a test
	// against String, except the ones representing other primitives.
	if targetQual.Namespace != "System" && targetQual.Namespace != "" {
		isOfQual, ok := typ.QualifiedName()
		if ok && strings.EqualFold(isOfQual.Name, "string") {
			if _, ok, _ := target.ToString(false); ok {
				switch strings.ToLower(targetQual.Name) {
				case "boolean", "integer", "decimal", "unsignedint", "positiveint":
					return Boolean(false), nil
				default:
					return Boolean(true), nil
				}
			}
		}
	}

	return Boolean(false), nil
}

func asType(ctx context.Context, target Element, asOf TypeSpecifier) (Collection, error) {
	typ, ok := resolveType(ctx, asOf)
	if !ok {
		return nil, fmt.Errorf("can not resolve type `%s`", asOf)
	}
	if subTypeOf(ctx, target.TypeInfo(), typ) {
		return Collection{target}, nil
	} else {
		return nil, nil
	}
}
