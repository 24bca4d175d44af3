package extract

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNoSchema is returned by ParseSchema when the input holds no type list.
var ErrNoSchema = errors.New("extract: no schema definition")

// Accepted keys. The Chinese keys are those of the spreadsheet template
// users fill in; the English ones are their equivalents.
var (
	rootKeys      = []string{"schema定义", "schema"}
	typeListKeys  = []string{"类目表", "types"}
	attrListKeys  = []string{"类目属性表", "attributes"}
	typeNameKeys  = []string{"类名", "name", "type"}
	typeDescKeys  = []string{"类描述", "description"}
	attrTypeKeys  = []string{"类名", "type"}
	attrNameKeys  = []string{"属性/关系名", "name"}
	attrDescKeys  = []string{"属性/关系说明", "description"}
	attrAliasKeys = []string{"属性别名(多别名以|隔开)", "别名(多别名以|隔开)", "aliases"}
	attrValueKeys = []string{"值类型", "value_type"}
)

// Attribute is an attribute or relation a type may carry.
type Attribute struct {
	Name        string
	Description string
	Aliases     []string
	ValueType   string
}

// Type is one entity type of a schema.
type Type struct {
	Name        string
	Description string
	Attributes  []Attribute
}

// Schema restricts the entity types extraction may produce.
type Schema struct {
	Types []Type
}

// ParseSchema reads a schema from its JSON form. Both the wrapped form
// {"schema定义": {...}} and the bare inner object are accepted.
func ParseSchema(raw map[string]any) (*Schema, error) {
	if raw == nil {
		return nil, ErrNoSchema
	}
	inner := raw
	for _, k := range rootKeys {
		if m, ok := raw[k].(map[string]any); ok {
			inner = m
			break
		}
	}

	types, ok := lookupList(inner, typeListKeys)
	if !ok {
		return nil, ErrNoSchema
	}

	s := &Schema{}
	pos := make(map[string]int)
	for _, item := range types {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid schema type entry: %v", item)
		}
		name := lookupString(m, typeNameKeys)
		if name == "" {
			continue
		}
		if _, dup := pos[name]; dup {
			continue
		}
		pos[name] = len(s.Types)
		s.Types = append(s.Types, Type{Name: name, Description: lookupString(m, typeDescKeys)})
	}
	if len(s.Types) == 0 {
		return nil, ErrNoSchema
	}

	attrs, _ := lookupList(inner, attrListKeys)
	for _, item := range attrs {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		i, ok := pos[lookupString(m, attrTypeKeys)]
		if !ok {
			continue
		}
		name := lookupString(m, attrNameKeys)
		if name == "" {
			continue
		}
		s.Types[i].Attributes = append(s.Types[i].Attributes, Attribute{
			Name:        name,
			Description: lookupString(m, attrDescKeys),
			Aliases:     splitAliases(m),
			ValueType:   lookupString(m, attrValueKeys),
		})
	}
	return s, nil
}

func lookupList(m map[string]any, keys []string) ([]any, bool) {
	for _, k := range keys {
		if l, ok := m[k].([]any); ok {
			return l, true
		}
	}
	return nil, false
}

func lookupString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			s := strings.TrimSpace(fmt.Sprint(v))
			if s != "" && s != "nan" {
				return s
			}
		}
	}
	return ""
}

func splitAliases(m map[string]any) []string {
	for _, k := range attrAliasKeys {
		switch v := m[k].(type) {
		case []any:
			res := make([]string, 0, len(v))
			for _, a := range v {
				if s := strings.TrimSpace(fmt.Sprint(a)); s != "" {
					res = append(res, s)
				}
			}
			return res
		case string:
			var res []string
			for _, a := range strings.Split(v, "|") {
				if a = strings.TrimSpace(a); a != "" {
					res = append(res, a)
				}
			}
			return res
		}
	}
	return nil
}

// HasType reports whether name is one of the schema's types. A nil schema
// accepts every type.
func (s *Schema) HasType(name string) bool {
	if s == nil {
		return true
	}
	return slices.ContainsFunc(s.Types, func(t Type) bool { return t.Name == name })
}

// Guide renders the schema as prompt text.
func (s *Schema) Guide() string {
	if s == nil || len(s.Types) == 0 {
		return "No schema is given. Choose short, descriptive entity types."
	}
	var b strings.Builder
	b.WriteString("Allowed entity types:\n")
	for _, t := range s.Types {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteString("\n")
		for _, a := range t.Attributes {
			fmt.Fprintf(&b, "  - %s", a.Name)
			if a.Description != "" {
				fmt.Fprintf(&b, ": %s", a.Description)
			}
			if len(a.Aliases) > 0 {
				fmt.Fprintf(&b, " (aliases: %s)", strings.Join(a.Aliases, ", "))
			}
			if a.ValueType != "" {
				fmt.Fprintf(&b, " [%s]", a.ValueType)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
