// Package rules implements the rewrite rule chains applied to HTTP messages
// in flight: field addressing, actions, and ordered chain evaluation.
package rules

import (
	"strconv"
	"strings"

	"intercept-proxy-go/internal/model"
)

type fieldKind int

const (
	fieldMethod fieldKind = iota
	fieldURI
	fieldVersion
	fieldHeader
	fieldBody
	fieldStatus
	fieldReason
)

// Field addresses one part of an HTTP message. Header fields carry the
// header name; reads are case-insensitive, writes keep the spelling of the
// header already present and use the spelling the field was constructed
// with for a new header.
type Field struct {
	kind fieldKind
	name string
}

// Method addresses the request method.
func Method() Field { return Field{kind: fieldMethod} }

// URI addresses the request target.
func URI() Field { return Field{kind: fieldURI} }

// Version addresses the protocol version line.
func Version() Field { return Field{kind: fieldVersion} }

// Header addresses the named header.
func Header(name string) Field { return Field{kind: fieldHeader, name: name} }

// Body addresses the message body.
func Body() Field { return Field{kind: fieldBody} }

// Status addresses the response status code.
func Status() Field { return Field{kind: fieldStatus} }

// Reason addresses the response reason phrase.
func Reason() Field { return Field{kind: fieldReason} }

func (f Field) String() string {
	switch f.kind {
	case fieldMethod:
		return "method"
	case fieldURI:
		return "uri"
	case fieldVersion:
		return "version"
	case fieldHeader:
		return "header:" + f.name
	case fieldBody:
		return "body"
	case fieldStatus:
		return "status"
	case fieldReason:
		return "reason"
	}
	return "unknown"
}

// value projects the field out of m. present is false when the field is
// absent from this message.
func (f Field) value(m *model.Message) (value string, present bool) {
	switch f.kind {
	case fieldMethod:
		return m.Method, m.Method != ""
	case fieldURI:
		return m.URI, m.URI != ""
	case fieldVersion:
		return m.Proto, m.Proto != ""
	case fieldHeader:
		if key, ok := findHeaderKey(m, f.name); ok {
			return m.Header[key][0], true
		}
		return "", false
	case fieldBody:
		return string(m.Body), m.Body != nil
	case fieldStatus:
		if m.StatusCode == 0 {
			return "", false
		}
		return strconv.Itoa(m.StatusCode), true
	case fieldReason:
		return m.Reason, m.Reason != ""
	}
	return "", false
}

// set writes v into the field. Header writes replace every case-variant of
// the name with a single entry, spelled like the existing header when there
// is one and the way the Field was constructed otherwise.
func (f Field) set(m *model.Message, v string) error {
	switch f.kind {
	case fieldMethod:
		m.Method = v
	case fieldURI:
		m.URI = v
	case fieldVersion:
		m.Proto = v
	case fieldHeader:
		key := f.name
		if existing, ok := findHeaderKey(m, f.name); ok {
			key = existing
		}
		deleteHeaderFold(m, f.name)
		m.Header[key] = []string{v}
	case fieldBody:
		m.Body = []byte(v)
	case fieldStatus:
		code, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		m.StatusCode = code
		m.Reason = ""
	case fieldReason:
		m.Reason = v
	}
	return nil
}

// appendValue appends v to a repeatable field (headers gain another value,
// the body is extended); for scalar fields it behaves like set.
func (f Field) appendValue(m *model.Message, v string) error {
	switch f.kind {
	case fieldHeader:
		if key, ok := findHeaderKey(m, f.name); ok {
			m.Header[key] = append(m.Header[key], v)
			return nil
		}
		if m.Header == nil {
			m.Header = make(map[string][]string)
		}
		m.Header[f.name] = []string{v}
		return nil
	case fieldBody:
		m.Body = append(m.Body, v...)
		return nil
	default:
		return f.set(m, v)
	}
}

// remove deletes the field. Only meaningful for headers.
func (f Field) remove(m *model.Message) {
	if f.kind == fieldHeader {
		deleteHeaderFold(m, f.name)
	}
}

func findHeaderKey(m *model.Message, name string) (string, bool) {
	if m.Header == nil {
		return "", false
	}
	for k, vals := range m.Header {
		if len(vals) > 0 && strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

func deleteHeaderFold(m *model.Message, name string) {
	if m.Header == nil {
		m.Header = make(map[string][]string)
		return
	}
	for k := range m.Header {
		if strings.EqualFold(k, name) {
			delete(m.Header, k)
		}
	}
}
