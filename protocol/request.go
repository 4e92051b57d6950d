package protocol

import (
	"errors"
	"io"
	"strings"
)

var (
	ErrInvalidCommand      = errors.New("command must be an absolute menu path such as /ip/arp/print")
	ErrInvalidArgumentName = errors.New("argument names must be non-empty and must not contain '='")
)

// Argument is a single request argument. Stream is set instead of Value for
// arguments whose value is sent straight from a reader.
type Argument struct {
	Name   string
	Value  string
	Stream io.Reader
}

// SentenceWriter is the part of a Communicator that a Request needs to send
// itself.
type SentenceWriter interface {
	SendWord(word []byte) (int, error)
	SendWordFromStream(prefix []byte, src io.Reader) (int64, error)
}

// Request is a command sent to a device, together with its arguments, an
// optional query and an optional tag.
type Request struct {
	command string
	args    []Argument
	index   map[string]int
	query   *Query
	tag     string
}

// NewRequest creates a request for command.
//
// The command may be written as a menu path ("/ip/arp/add") or in the
// space-separated console style ("/ip arp add"). ".." segments are resolved
// against the segment preceding them.
func NewRequest(command string) (*Request, error) {
	req := &Request{index: make(map[string]int)}

	if err := req.SetCommand(command); err != nil {
		return nil, err
	}

	return req, nil
}

// MustRequest is like NewRequest but panics on an invalid command. It is meant
// for commands that are constants in the calling code.
func MustRequest(command string) *Request {
	req, err := NewRequest(command)
	if err != nil {
		panic(err)
	}

	return req
}

// SetCommand replaces the command of the request.
func (r *Request) SetCommand(command string) error {
	normalized, err := normalizeCommand(command)
	if err != nil {
		return err
	}

	r.command = normalized
	return nil
}

func (r *Request) Command() string {
	return r.command
}

// SetArgument sets name to value. An empty value is legal and is sent as
// "=name=", which differs from not sending the argument at all.
func (r *Request) SetArgument(name, value string) error {
	return r.setArgument(Argument{Name: name, Value: value})
}

// SetArgumentStream sets name to the contents of src. The value is not read
// until the request is sent, and src must also implement io.Seeker so its
// length can be computed up front.
func (r *Request) SetArgumentStream(name string, src io.Reader) error {
	if _, ok := src.(io.Seeker); !ok {
		return NewArgumentError("set argument stream", name, ErrStreamNotSeekable)
	}

	return r.setArgument(Argument{Name: name, Stream: src})
}

func (r *Request) setArgument(arg Argument) error {
	if arg.Name == "" || strings.ContainsRune(arg.Name, '=') {
		return NewArgumentError("set argument", arg.Name, ErrInvalidArgumentName)
	}

	if i, ok := r.index[arg.Name]; ok {
		r.args[i] = arg
		return nil
	}

	r.index[arg.Name] = len(r.args)
	r.args = append(r.args, arg)
	return nil
}

// RemoveArgument removes name from the request. Removing an absent argument
// does nothing.
func (r *Request) RemoveArgument(name string) {
	i, ok := r.index[name]
	if !ok {
		return
	}

	r.args = append(r.args[:i], r.args[i+1:]...)
	delete(r.index, name)

	for j := i; j < len(r.args); j++ {
		r.index[r.args[j].Name] = j
	}
}

// Argument returns the value of name and whether it is set. Stream arguments
// report an empty value.
func (r *Request) Argument(name string) (string, bool) {
	i, ok := r.index[name]
	if !ok {
		return "", false
	}

	return r.args[i].Value, true
}

// Arguments returns the arguments in the order they were first set.
func (r *Request) Arguments() []Argument {
	out := make([]Argument, len(r.args))
	copy(out, r.args)
	return out
}

// SetTag sets the tag the device echoes in every reply. An empty tag clears it.
func (r *Request) SetTag(tag string) {
	r.tag = tag
}

func (r *Request) Tag() string {
	return r.tag
}

// SetQuery attaches q to the request, nil removes it.
func (r *Request) SetQuery(q *Query) error {
	if q != nil {
		if err := q.Validate(); err != nil {
			return err
		}
	}

	r.query = q
	return nil
}

func (r *Request) Query() *Query {
	return r.query
}

// Words returns the sentence the request serializes to, without the
// terminating empty word. Stream arguments are left out as their value is only
// known while sending.
func (r *Request) Words() []string {
	words := make([]string, 0, len(r.args)+2)
	words = append(words, r.command)

	for _, arg := range r.args {
		if arg.Stream != nil {
			continue
		}
		words = append(words, argumentWord(arg.Name, arg.Value))
	}

	if r.query != nil {
		words = append(words, r.query.Words()...)
	}

	if r.tag != "" {
		words = append(words, TagPrefix+r.tag)
	}

	return words
}

// Send writes the request to w, streaming stream arguments in place. It
// returns the number of bytes written.
func (r *Request) Send(w SentenceWriter) (int64, error) {
	var total int64

	send := func(word string) error {
		n, err := w.SendWord([]byte(word))
		total += int64(n)
		return err
	}

	if err := send(r.command); err != nil {
		return total, err
	}

	for _, arg := range r.args {
		if arg.Stream != nil {
			n, err := w.SendWordFromStream([]byte(argumentWord(arg.Name, "")), arg.Stream)
			total += n
			if err != nil {
				return total, err
			}
			continue
		}

		if err := send(argumentWord(arg.Name, arg.Value)); err != nil {
			return total, err
		}
	}

	if r.query != nil {
		for _, word := range r.query.Words() {
			if err := send(word); err != nil {
				return total, err
			}
		}
	}

	if r.tag != "" {
		if err := send(TagPrefix + r.tag); err != nil {
			return total, err
		}
	}

	return total, send("")
}

func (r *Request) String() string {
	return strings.Join(r.Words(), " ")
}

func argumentWord(name, value string) string {
	return "=" + name + "=" + value
}

func normalizeCommand(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", NewArgumentError("parse command", command, ErrInvalidCommand)
	}

	joined := strings.Join(fields, "/")
	if joined[0] != '/' {
		return "", NewArgumentError("parse command", command, ErrInvalidCommand)
	}

	resolved := make([]string, 0, len(fields))

	for _, segment := range strings.Split(joined[1:], "/") {
		switch segment {
		case "", ".":
			continue

		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}

		default:
			resolved = append(resolved, segment)
		}
	}

	if len(resolved) == 0 {
		return "", NewArgumentError("parse command", command, ErrInvalidCommand)
	}

	return "/" + strings.Join(resolved, "/"), nil
}
