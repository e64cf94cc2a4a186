package h2engine

import (
	"golang.org/x/net/http2/hpack"

	"github.com/imroc/h2engine/internal/ascii"
)

// Headers is an ordered list of header fields holding at most HeaderMax
// entries. Names are matched case-insensitively.
type Headers struct {
	fields []hpack.HeaderField
}

// Add appends a field. It reports false, dropping the field, when the
// list is full.
func (h *Headers) Add(name, value string) bool {
	if len(h.fields) >= HeaderMax {
		return false
	}
	if h.fields == nil {
		h.fields = make([]hpack.HeaderField, 0, 16)
	}
	h.fields = append(h.fields, hpack.HeaderField{Name: name, Value: value})
	return true
}

// Index returns the position of the first field named name, or -1.
func (h *Headers) Index(name string) int {
	for i, f := range h.fields {
		if ascii.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the first field named name.
func (h *Headers) Get(name string) string {
	if i := h.Index(name); i >= 0 {
		return h.fields[i].Value
	}
	return ""
}

// Values returns the values of every field named name.
func (h *Headers) Values(name string) []string {
	var vv []string
	for _, f := range h.fields {
		if ascii.EqualFold(f.Name, name) {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

// Set replaces the value of the first field named name, or adds it.
func (h *Headers) Set(name, value string) bool {
	if i := h.Index(name); i >= 0 {
		h.fields[i].Value = value
		return true
	}
	return h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	j := 0
	for _, f := range h.fields {
		if !ascii.EqualFold(f.Name, name) {
			h.fields[j] = f
			j++
		}
	}
	h.fields = h.fields[:j]
}

func (h *Headers) Len() int {
	return len(h.fields)
}

func (h *Headers) At(i int) hpack.HeaderField {
	return h.fields[i]
}

func (h *Headers) setAt(i int, f hpack.HeaderField) {
	h.fields[i] = f
}

func (h *Headers) removeAt(i int) {
	h.fields = append(h.fields[:i], h.fields[i+1:]...)
}

// Fields returns the underlying list; it is only valid until the next
// change.
func (h *Headers) Fields() []hpack.HeaderField {
	return h.fields
}

// Reset empties the list, keeping its storage.
func (h *Headers) Reset() {
	h.fields = h.fields[:0]
}
