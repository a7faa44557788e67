// Package protocol defines the streaming wire primitive shared by the
// retrievers, the orchestrator, and the HTTP surface.
package protocol

import "encoding/json"

// Frame types, in the order they appear in a successful response.
const (
	TypeThink     = 1
	TypeData      = 2
	TypeKnowledge = 3
	TypeError     = 4
)

// Frame is one record on the streaming response.
type Frame struct {
	Content string `json:"content"`
	Type    int    `json:"message_type"`
}

// Think builds a reasoning frame.
func Think(content string) Frame { return Frame{Content: content, Type: TypeThink} }

// Data builds an answer-token frame.
func Data(content string) Frame { return Frame{Content: content, Type: TypeData} }

// Knowledge builds a citation frame.
func Knowledge(content string) Frame { return Frame{Content: content, Type: TypeKnowledge} }

// Error builds a terminal error frame.
func Error(content string) Frame { return Frame{Content: content, Type: TypeError} }

// Encode renders the frame in its wire form: data:{JSON} followed by a
// blank line. Note there is no space after the colon.
func (f Frame) Encode() []byte {
	payload, err := json.Marshal(f)
	if err != nil {
		// Frame fields are plain string/int; marshal cannot fail in
		// practice, but keep the stream alive if it somehow does.
		payload = []byte(`{"content":"","message_type":4}`)
	}
	out := make([]byte, 0, len(payload)+7)
	out = append(out, "data:"...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// Decode parses one wire record previously produced by Encode. The input
// must carry the "data:" prefix; surrounding whitespace is tolerated.
func Decode(record []byte) (Frame, error) {
	trimmed := record
	for len(trimmed) > 0 && (trimmed[0] == '\n' || trimmed[0] == '\r' || trimmed[0] == ' ') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) >= 5 && string(trimmed[:5]) == "data:" {
		trimmed = trimmed[5:]
	}
	var f Frame
	err := json.Unmarshal(trimmed, &f)
	return f, err
}
