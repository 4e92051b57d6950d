package protocol

// ResponseCollection holds the responses of one exchange in arrival order.
type ResponseCollection struct {
	responses []*Response
}

// NewResponseCollection returns a collection over responses. The slice is not
// copied.
func NewResponseCollection(responses ...*Response) *ResponseCollection {
	return &ResponseCollection{responses: responses}
}

// Append adds responses to the end of the collection.
func (c *ResponseCollection) Append(responses ...*Response) {
	c.responses = append(c.responses, responses...)
}

func (c *ResponseCollection) Len() int {
	return len(c.responses)
}

// At returns the response at position i, or nil when i is out of range.
// Negative positions count back from the end, -1 being the last response.
func (c *ResponseCollection) At(i int) *Response {
	if i < 0 {
		i += len(c.responses)
	}

	if i < 0 || i >= len(c.responses) {
		return nil
	}

	return c.responses[i]
}

func (c *ResponseCollection) First() *Response {
	return c.At(0)
}

func (c *ResponseCollection) Last() *Response {
	return c.At(-1)
}

// Responses returns a copy of the responses.
func (c *ResponseCollection) Responses() []*Response {
	out := make([]*Response, len(c.responses))
	copy(out, c.responses)
	return out
}

// Complete reports whether the exchange ended, i.e. the last response is
// terminal.
func (c *ResponseCollection) Complete() bool {
	last := c.Last()
	return last != nil && last.Type.IsTerminal()
}

// OfType returns a new collection with only the responses of type t.
func (c *ResponseCollection) OfType(t ResponseType) *ResponseCollection {
	out := &ResponseCollection{}

	for _, resp := range c.responses {
		if resp.Type == t {
			out.responses = append(out.responses, resp)
		}
	}

	return out
}

// Tagged returns a new collection with only the responses tagged tag.
func (c *ResponseCollection) Tagged(tag string) *ResponseCollection {
	out := &ResponseCollection{}

	for _, resp := range c.responses {
		if resp.Tag == tag {
			out.responses = append(out.responses, resp)
		}
	}

	return out
}

// Index maps the value of property to the response carrying it, e.g. ".id"
// to look rows up by their identifier. Responses without the property are
// left out, and later responses win over earlier ones.
func (c *ResponseCollection) Index(property string) map[string]*Response {
	out := make(map[string]*Response, len(c.responses))

	for _, resp := range c.responses {
		if v, ok := resp.Property(property); ok {
			out[v] = resp
		}
	}

	return out
}

// Err returns the error of the first !trap or !fatal response, if any.
func (c *ResponseCollection) Err() error {
	for _, resp := range c.responses {
		if err := resp.ErrorOrNil(); err != nil {
			return err
		}
	}

	return nil
}

// Iterator returns an iterator positioned before the first response.
func (c *ResponseCollection) Iterator() *Iterator {
	return &Iterator{c: c, pos: -1}
}

// Iterator walks a ResponseCollection forward from any position. It can be
// rewound and re-run any number of times.
//
//   it := responses.Iterator()
//   for it.Next() {
//       resp := it.Response()
//   }
type Iterator struct {
	c   *ResponseCollection
	pos int
}

// Next advances to the next response and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.pos < len(it.c.responses) {
		it.pos++
	}

	return it.pos < len(it.c.responses)
}

// Response returns the response at the current position.
func (it *Iterator) Response() *Response {
	if it.pos < 0 || it.pos >= len(it.c.responses) {
		return nil
	}

	return it.c.responses[it.pos]
}

// Position returns the index of the current response.
func (it *Iterator) Position() int {
	return it.pos
}

// Seek moves the iterator so that the next call to Next lands on position i.
func (it *Iterator) Seek(i int) error {
	if i < 0 || i > len(it.c.responses) {
		return NewArgumentError("seek", i, nil)
	}

	it.pos = i - 1
	return nil
}

// Rewind moves the iterator back before the first response.
func (it *Iterator) Rewind() {
	it.pos = -1
}
