// ABOUTME: Wire-protocol codec for the Core remote-control protocol
// ABOUTME: Encodes and decodes MOO/1 text-header + optional JSON-body frames
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Verb identifies the kind of frame on the wire.
type Verb string

const (
	VerbRequest  Verb = "REQUEST"
	VerbContinue Verb = "CONTINUE"
	VerbComplete Verb = "COMPLETE"
)

// ContentTypeJSON is the header value that marks a JSON body.
const ContentTypeJSON = "application/json"

var headerLineRe = regexp.MustCompile(`^MOO/1 (REQUEST|CONTINUE|COMPLETE) (.+)$`)
var headerFieldRe = regexp.MustCompile(`^([^:]+):\s*(.*)$`)

// Frame is the atomic unit of the wire protocol.
type Frame struct {
	Verb      Verb
	Name      string
	RequestID uint64
	Headers   map[string]string
	Body      json.RawMessage // set when Content-Type is application/json
	RawBody   []byte          // set when a body is present but not JSON
}

// HasJSONBody reports whether the frame carries a decoded JSON body.
func (f *Frame) HasJSONBody() bool {
	return f.Body != nil
}

// EncodeRequest builds a REQUEST frame addressed at a service path, e.g.
// "com.roonlabs.transport:2/subscribe_zones". body may be nil.
func EncodeRequest(requestID uint64, path string, body interface{}) ([]byte, error) {
	return encode(VerbRequest, path, requestID, body)
}

// EncodeResponse builds a CONTINUE or COMPLETE frame.
func EncodeResponse(verb Verb, name string, requestID uint64, body interface{}) ([]byte, error) {
	if verb != VerbContinue && verb != VerbComplete {
		return nil, fmt.Errorf("wire: invalid response verb %q", verb)
	}
	return encode(verb, name, requestID, body)
}

func encode(verb Verb, name string, requestID uint64, body interface{}) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "MOO/1 %s %s\n", verb, name)
	fmt.Fprintf(&buf, "Request-Id: %d\n", requestID)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("wire: encode body: %w", err)
		}
		fmt.Fprintf(&buf, "Content-Type: %s\n", ContentTypeJSON)
		fmt.Fprintf(&buf, "Content-Length: %d\n", len(payload))
	}

	buf.WriteByte('\n')
	buf.Write(payload)

	return buf.Bytes(), nil
}

// Parse decodes a single frame from data. It returns (nil, false) when the
// header region is not yet complete or declared Content-Length exceeds the
// remaining bytes — never an error on truncation, so callers relying on
// Transport's reassembly can retry once more bytes arrive.
func Parse(data []byte) (*Frame, bool) {
	headerEnd, sepLen := findHeaderEnd(data)
	if headerEnd < 0 {
		return nil, false
	}

	lines := bytes.Split(data[:headerEnd], []byte("\n"))
	if len(lines) == 0 {
		return nil, false
	}

	firstLine := bytes.TrimRight(lines[0], "\r")
	m := headerLineRe.FindSubmatch(firstLine)
	if m == nil {
		return nil, false
	}

	frame := &Frame{
		Verb:    Verb(m[1]),
		Name:    string(m[2]),
		Headers: make(map[string]string),
	}

	for _, line := range lines[1:] {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		hm := headerFieldRe.FindSubmatch(line)
		if hm == nil {
			continue
		}
		frame.Headers[string(hm[1])] = string(hm[2])
	}

	if idStr, ok := frame.Headers["Request-Id"]; ok {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err == nil {
			frame.RequestID = id
		}
	}

	bodyStart := headerEnd + sepLen
	contentLength := 0
	if clStr, ok := frame.Headers["Content-Length"]; ok {
		cl, err := strconv.Atoi(clStr)
		if err != nil || cl < 0 {
			return nil, false
		}
		contentLength = cl
	}

	if contentLength == 0 {
		return frame, true
	}

	if len(data)-bodyStart < contentLength {
		return nil, false
	}

	body := data[bodyStart : bodyStart+contentLength]

	if frame.Headers["Content-Type"] == ContentTypeJSON {
		if json.Valid(body) {
			frame.Body = json.RawMessage(body)
		} else {
			// Malformed JSON is surfaced to the caller as raw bytes, not a
			// parse error at this layer.
			frame.RawBody = body
		}
	} else {
		frame.RawBody = body
	}

	return frame, true
}

// findHeaderEnd returns the index of the start of the blank-line separator
// and its length (2 for "\n\n", 4 for "\r\n\r\n"), or (-1, 0) if the header
// region has not yet been terminated.
func findHeaderEnd(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))

	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case lf < 0:
		return crlf, 4
	case crlf < 0:
		return lf, 2
	case lf <= crlf:
		return lf, 2
	default:
		return crlf, 4
	}
}
