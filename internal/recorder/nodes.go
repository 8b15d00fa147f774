package recorder

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// mapping edits a copy of a decoded mapping node. Keys nvrpanel does not
// manage keep their position, value and comments.
type mapping struct {
	n *yaml.Node
}

// editMapping returns an editable deep copy of orig, or an empty mapping when
// orig is not one.
func editMapping(orig *yaml.Node) mapping {
	if orig != nil && orig.Kind == yaml.AliasNode && orig.Alias != nil {
		orig = orig.Alias
	}
	if orig == nil || orig.Kind != yaml.MappingNode {
		return mapping{n: &yaml.Node{Kind: yaml.MappingNode}}
	}
	return mapping{n: cloneNode(orig)}
}

func (m mapping) index(key string) int {
	for i := 0; i+1 < len(m.n.Content); i += 2 {
		if m.n.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func (m mapping) get(key string) *yaml.Node {
	if i := m.index(key); i >= 0 {
		return m.n.Content[i+1]
	}
	return nil
}

// set replaces the value under key in place, or appends the pair.
func (m mapping) set(key string, v *yaml.Node) {
	if i := m.index(key); i >= 0 {
		m.n.Content[i+1] = v
		return
	}
	m.n.Content = append(m.n.Content, keyNode(key), v)
}

func (m mapping) del(key string) {
	if i := m.index(key); i >= 0 {
		m.n.Content = append(m.n.Content[:i], m.n.Content[i+2:]...)
	}
}

func (m mapping) keys() []string {
	out := make([]string, 0, len(m.n.Content)/2)
	for i := 0; i+1 < len(m.n.Content); i += 2 {
		out = append(out, m.n.Content[i].Value)
	}
	return out
}

// overlay writes the encoding of v over m. Owned keys missing from the
// encoding are removed; other keys are left alone.
func (m mapping) overlay(v any, owned []string) error {
	var src yaml.Node
	if err := src.Encode(v); err != nil {
		return err
	}
	m.overlayNode(&src, owned)
	return nil
}

func (m mapping) overlayNode(src *yaml.Node, owned []string) {
	values := make(map[string]*yaml.Node, len(src.Content)/2)
	for i := 0; i+1 < len(src.Content); i += 2 {
		values[src.Content[i].Value] = src.Content[i+1]
	}
	for _, key := range owned {
		sv, ok := values[key]
		if !ok {
			m.del(key)
			continue
		}
		dv := m.get(key)
		switch {
		case dv != nil && dv.Kind == yaml.MappingNode && sv.Kind == yaml.MappingNode:
			sub := mapping{n: dv}
			sub.overlayNode(sv, mapping{n: sv}.keys())
		case dv != nil && dv.Kind == yaml.ScalarNode && sv.Kind == yaml.ScalarNode &&
			dv.Value == sv.Value && dv.ShortTag() == sv.ShortTag():
			// unchanged, keeps the original quoting and comments
		default:
			if dv != nil {
				sv.HeadComment, sv.LineComment, sv.FootComment = dv.HeadComment, dv.LineComment, dv.FootComment
			}
			m.set(key, sv)
		}
	}
}

// section overlays v onto the mapping stored under key. With drop set, v's
// keys are removed instead, and the section goes too once it is empty.
func (m mapping) section(key string, v any, drop bool) error {
	child := editMapping(m.get(key))
	owned := wireKeys(v)
	if drop {
		for _, k := range owned {
			child.del(k)
		}
		if len(child.n.Content) == 0 {
			m.del(key)
			return nil
		}
	} else if err := child.overlay(v, owned); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	m.set(key, child.n)
	return nil
}

// applyExtra writes extra under the keys m does not manage. Unmanaged keys
// missing from extra are removed. Values that did not change keep their
// original node.
func (m mapping) applyExtra(extra map[string]any, managed []string) error {
	isManaged := make(map[string]bool, len(managed))
	for _, k := range managed {
		isManaged[k] = true
	}
	for _, k := range m.keys() {
		if _, ok := extra[k]; !ok && !isManaged[k] {
			m.del(k)
		}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !isManaged[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if cur := m.get(k); cur != nil {
			var v any
			if cur.Decode(&v) == nil && reflect.DeepEqual(v, extra[k]) {
				continue
			}
		}
		var val yaml.Node
		if err := val.Encode(extra[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		m.set(k, &val)
	}
	return nil
}

// entry returns copies of the key and value nodes stored under key in n. The
// key node is created when n has no such key.
func entry(n *yaml.Node, key string) (*yaml.Node, *yaml.Node) {
	if n != nil && n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				return cloneNode(n.Content[i]), n.Content[i+1]
			}
		}
	}
	return keyNode(key), nil
}

// wireKeys lists the yaml keys of a wire struct.
func wireKeys(v any) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		if name != "-" {
			keys = append(keys, name)
		}
	}
	return keys
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Content != nil {
		out.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = cloneNode(c)
		}
	}
	return &out
}

// documentRoot returns the top-level mapping of a parsed document.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc != nil && doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return nil
}
