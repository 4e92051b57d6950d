package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrEmptySentence   = errors.New("sentence has no words")
	ErrUnknownResponse = errors.New("unknown reply discriminator")
)

// Property is a single name/value pair of a response.
type Property struct {
	Name  string
	Value string
}

// Response is one reply sentence received from a device.
type Response struct {
	Type ResponseType

	// Tag is the tag echoed by the device, empty for untagged replies.
	Tag string

	props        []Property
	index        map[string]int
	streamed     []string
	unrecognized []string
}

// WordSource reads whole words, a Communicator is one.
type WordSource interface {
	GetNextWord() ([]byte, error)
}

// StreamWordSource can also hand out a word as a stream.
type StreamWordSource interface {
	WordSource
	GetNextWordAsStream() (*WordStream, error)
}

// NewResponse builds a response from the words of a sentence, without the
// terminating empty word.
func NewResponse(words []string) (*Response, error) {
	if len(words) == 0 {
		return nil, newError(ErrProtocolViolation, "parse response", ErrEmptySentence)
	}

	resp, err := newResponse(words[0])
	if err != nil {
		return nil, err
	}

	for _, word := range words[1:] {
		resp.addWord(word)
	}

	return resp, nil
}

// ReadResponse reads one sentence from src and parses it.
func ReadResponse(src WordSource) (*Response, error) {
	words := make([]string, 0, 4)

	for {
		word, err := src.GetNextWord()
		if err != nil {
			return nil, err
		}

		if len(word) == 0 {
			break
		}

		words = append(words, string(word))
	}

	return NewResponse(words)
}

// ReadResponseStreaming reads one sentence from src. For every property, sink
// is asked for a writer; when it returns one the value is copied into it
// without being held in memory and the property is reported by Streamed
// instead of Property. sink may return nil to keep a value in memory.
func ReadResponseStreaming(src StreamWordSource, sink func(name string) io.Writer) (*Response, error) {
	first, err := src.GetNextWord()
	if err != nil {
		return nil, err
	}

	if len(first) == 0 {
		return nil, newError(ErrProtocolViolation, "parse response", ErrEmptySentence)
	}

	resp, err := newResponse(string(first))
	if err != nil {
		return nil, err
	}

	for {
		stream, err := src.GetNextWordAsStream()
		if err != nil {
			return nil, err
		}

		if stream.Len() == 0 {
			return resp, nil
		}

		name, isProp, err := readPropertyName(stream)
		if err != nil {
			return nil, err
		}

		if isProp && name != ".tag" {
			if w := sink(name); w != nil {
				if _, err := io.Copy(w, stream); err != nil {
					return nil, err
				}
				resp.streamed = append(resp.streamed, name)
				continue
			}
		}

		rest, err := io.ReadAll(stream)
		if err != nil {
			return nil, err
		}

		if !isProp {
			resp.unrecognized = append(resp.unrecognized, name+string(rest))
			continue
		}

		if name == ".tag" {
			resp.Tag = string(rest)
			continue
		}

		resp.set(name, string(rest))
	}
}

// readPropertyName reads "=name=" or "name=" from the start of a word. When the
// word turns out not to be a property, the bytes read so far are returned as
// name and isProp is false.
func readPropertyName(stream *WordStream) (name string, isProp bool, err error) {
	var (
		buf   bytes.Buffer
		one   [1]byte
		first = true
		lead  bool
	)

	for {
		if _, err := io.ReadFull(stream, one[:]); err != nil {
			if errors.Is(err, io.EOF) {
				if lead && buf.Len() > 0 {
					return buf.String(), true, nil
				}
				if lead {
					return "=", false, nil
				}
				return buf.String(), false, nil
			}
			return "", false, err
		}

		if one[0] == '=' {
			if first {
				lead = true
				first = false
				continue
			}

			if lead && buf.Len() == 0 {
				return "==", false, nil
			}

			return buf.String(), true, nil
		}

		first = false
		buf.WriteByte(one[0])
	}
}

func newResponse(discriminator string) (*Response, error) {
	t := ResponseType(discriminator)
	if !t.Valid() {
		return nil, &Error{
			Kind:  ErrProtocolViolation,
			Op:    "parse response",
			Value: discriminator,
			Err:   ErrUnknownResponse,
		}
	}

	return &Response{Type: t, index: make(map[string]int)}, nil
}

func (r *Response) addWord(word string) {
	switch {
	case strings.HasPrefix(word, TagPrefix):
		r.Tag = word[len(TagPrefix):]

	case strings.HasPrefix(word, "="):
		parts := strings.SplitN(word[1:], "=", 2)
		if parts[0] == "" {
			r.unrecognized = append(r.unrecognized, word)
			return
		}
		if len(parts) == 1 {
			r.set(parts[0], "")
			return
		}
		r.set(parts[0], parts[1])

	case strings.IndexByte(word, '=') > 0:
		parts := strings.SplitN(word, "=", 2)
		r.set(parts[0], parts[1])

	default:
		r.unrecognized = append(r.unrecognized, word)
	}
}

func (r *Response) set(name, value string) {
	if i, ok := r.index[name]; ok {
		r.props[i].Value = value
		return
	}

	r.index[name] = len(r.props)
	r.props = append(r.props, Property{Name: name, Value: value})
}

// Property returns the value of name and whether the response carries it.
func (r *Response) Property(name string) (string, bool) {
	i, ok := r.index[name]
	if !ok {
		return "", false
	}

	return r.props[i].Value, true
}

// Get returns the value of name, or an empty string if it is absent.
func (r *Response) Get(name string) string {
	v, _ := r.Property(name)
	return v
}

// Len returns the number of properties.
func (r *Response) Len() int {
	return len(r.props)
}

// Properties returns the properties in the order they were received.
func (r *Response) Properties() []Property {
	out := make([]Property, len(r.props))
	copy(out, r.props)
	return out
}

// Streamed returns the names of properties whose values went to a sink.
func (r *Response) Streamed() []string {
	return r.streamed
}

// Unrecognized returns words that were neither properties nor the tag, such as
// the reason text of a !fatal reply.
func (r *Response) Unrecognized() []string {
	return r.unrecognized
}

// ErrorOrNil returns an error if the response is a !trap or !fatal reply.
// Otherwise it returns nil.
func (r *Response) ErrorOrNil() error {
	switch r.Type {
	case RespError:
		return &TrapError{
			Type:     r.Type,
			Tag:      r.Tag,
			Category: r.Get(PropCategory),
			Message:  r.Get(PropMessage),
		}

	case RespFatal:
		return &TrapError{
			Type:    r.Type,
			Tag:     r.Tag,
			Message: strings.Join(r.unrecognized, " "),
		}
	}

	return nil
}

func (r *Response) String() string {
	var b strings.Builder

	b.WriteString(string(r.Type))
	for _, p := range r.props {
		b.WriteString(" =")
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	for _, w := range r.unrecognized {
		b.WriteByte(' ')
		b.WriteString(w)
	}
	if r.Tag != "" {
		b.WriteString(" " + TagPrefix + r.Tag)
	}

	return b.String()
}

// TrapError is the application level error reported by a !trap or !fatal reply.
type TrapError struct {
	Type     ResponseType
	Tag      string
	Category string
	Message  string
}

func (e *TrapError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s (category %s): %s", e.Type, e.Category, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
