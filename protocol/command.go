package protocol

import "errors"

type ResponseType string

const (
	RespData  ResponseType = "!re"
	RespFinal ResponseType = "!done"
	RespError ResponseType = "!trap"
	RespFatal ResponseType = "!fatal"
)

// IsTerminal reports whether a response of this type ends its exchange.
func (t ResponseType) IsTerminal() bool {
	return t == RespFinal || t == RespFatal
}

func (t ResponseType) Valid() bool {
	switch t {
	case RespData, RespFinal, RespError, RespFatal:
		return true
	}
	return false
}

const (
	// TagPrefix starts the API attribute word that carries a request's tag.
	TagPrefix = ".tag="

	// QueryPrefix starts every query word.
	QueryPrefix = "?"

	QueryAnd = "#&"
	QueryOr  = "#|"
	QueryNot = "#!"

	// Properties used by the login handshake.
	PropChallenge = "ret"
	PropResponse  = "response"
	PropName      = "name"
	PropPassword  = "password"

	// Properties of a !trap reply.
	PropMessage  = "message"
	PropCategory = "category"

	CmdLogin  = "/login"
	CmdCancel = "/cancel"
)

var ErrStreamNotSeekable = errors.New("stream must be seekable so its length is known before sending")
