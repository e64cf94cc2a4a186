package h2engine

import (
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// statusLine formats a status code as its (at most) 3 digit :status
// value.
func statusLine(code int) string {
	s := strconv.Itoa(code)
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

// errorMessage returns the html body sent for a status.
func errorMessage(code int) string {
	text := http.StatusText(code)
	if text == "" {
		text = "Unknown Status"
	}
	return fmt.Sprintf("<!DOCTYPE html>\n<html><head><title>%d %s</title></head>"+
		"<body><h1>%d %s</h1></body></html>\n", code, text, code, text)
}

// fixupStatusHeader makes slot zero of h the :status field carrying line.
// A field found elsewhere is moved to the front and the field it displaces
// goes to the end of the list.
func fixupStatusHeader(h *Headers, line string) {
	status := hpack.HeaderField{Name: ":status", Value: line}
	if h.Len() == 0 {
		h.Add(status.Name, status.Value)
		return
	}
	i := h.Index(":status")
	switch {
	case i == 0:
		h.setAt(0, status)
	case i < 0:
		first := h.At(0)
		h.setAt(0, status)
		// Dropped like any other field when the list is full.
		h.Add(first.Name, first.Value)
	default:
		first := h.At(0)
		h.removeAt(i)
		h.setAt(0, status)
		h.Add(first.Name, first.Value)
	}
}
