package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/storage"
)

var errBadQuery = errors.New("invalid query")

// command is a request as the device sees it.
type command struct {
	path     string
	args     map[string]string
	argNames []string
	query    []string
	tag      string
}

func parseCommand(words []string) command {
	cmd := command{path: words[0], args: make(map[string]string)}

	for _, word := range words[1:] {
		switch {
		case strings.HasPrefix(word, protocol.TagPrefix):
			cmd.tag = word[len(protocol.TagPrefix):]

		case strings.HasPrefix(word, "="):
			parts := append(strings.SplitN(word[1:], "=", 2), "")
			if _, ok := cmd.args[parts[0]]; !ok {
				cmd.argNames = append(cmd.argNames, parts[0])
			}
			cmd.args[parts[0]] = parts[1]

		case strings.HasPrefix(word, protocol.QueryPrefix), strings.HasPrefix(word, "#"):
			cmd.query = append(cmd.query, word)
		}
	}

	return cmd
}

// session is the device side state of one client connection.
type session struct {
	options Options
	store   storage.Store

	loggedIn  bool
	user      string
	challenge []byte

	mu      sync.Mutex
	listens map[string]string

	log *zap.Logger
}

func newSession(options Options, log *zap.Logger) *session {
	return &session{
		options: options,
		store:   options.Store,
		listens: make(map[string]string),
		log:     log,
	}
}

// handle answers one request. quit is true when the connection must be closed
// once the replies are written.
func (s *session) handle(ctx context.Context, words []string) (replies [][]string, quit bool) {
	cmd := parseCommand(words)

	reply := func(typ protocol.ResponseType, props ...string) {
		sentence := append([]string{string(typ)}, props...)
		if cmd.tag != "" {
			sentence = append(sentence, protocol.TagPrefix+cmd.tag)
		}
		replies = append(replies, sentence)
	}

	trap := func(message string) {
		reply(protocol.RespError, "=message="+message)
		reply(protocol.RespFinal)
	}

	if cmd.path == protocol.CmdLogin {
		s.login(cmd, reply, trap)
		return replies, false
	}

	if !s.loggedIn {
		return [][]string{{string(protocol.RespFatal), "not logged in"}}, true
	}

	switch cmd.path {
	case "/quit":
		return [][]string{{string(protocol.RespFatal), "session terminated on request"}}, true

	case protocol.CmdCancel:
		cancelled, ok := s.cancel(cmd.args["tag"])
		if !ok {
			trap("unknown command or tag")
			return replies, false
		}
		replies = append(replies, cancelled...)
		reply(protocol.RespFinal)
		return replies, false

	case "/system/identity/print":
		reply(protocol.RespData, "=name="+s.options.Identity)
		reply(protocol.RespFinal)
		return replies, false
	}

	i := strings.LastIndexByte(cmd.path, '/')
	menu, verb := cmd.path[:i], cmd.path[i+1:]

	if menu == "" {
		trap("no such command")
		return replies, false
	}

	switch verb {
	case "add":
		id, err := s.store.Add(ctx, menu, argsRow(cmd))
		if err != nil {
			trap(err.Error())
			break
		}
		reply(protocol.RespFinal, "=ret="+id)

	case "set":
		if err := s.store.Set(ctx, menu, cmd.args[".id"], argsRow(cmd)); err != nil {
			trap(errorMessage(err))
			break
		}
		reply(protocol.RespFinal)

	case "remove":
		for _, id := range strings.Split(cmd.args[".id"], ",") {
			if err := s.store.Remove(ctx, menu, id); err != nil {
				trap(errorMessage(err))
				return replies, false
			}
		}
		reply(protocol.RespFinal)

	case "print":
		s.print(ctx, menu, cmd, reply, trap)

	case "listen":
		if cmd.tag == "" {
			trap("listen requires a tag")
			break
		}

		s.mu.Lock()
		s.listens[cmd.tag] = menu
		s.mu.Unlock()

	default:
		trap("no such command")
	}

	return replies, false
}

func (s *session) login(cmd command, reply func(protocol.ResponseType, ...string), trap func(string)) {
	name := cmd.args[protocol.PropName]
	password, known := s.options.Users[name]

	if response, ok := cmd.args[protocol.PropResponse]; ok {
		if !known || s.challenge == nil || response != protocol.ChallengeResponse(password, s.challenge) {
			s.challenge = nil
			trap("cannot log in")
			return
		}

		s.challenge = nil
		s.loggedIn, s.user = true, name
		reply(protocol.RespFinal)
		return
	}

	if s.options.LegacyLogin {
		s.challenge = make([]byte, 16)
		if _, err := rand.Read(s.challenge); err != nil {
			trap("cannot log in")
			return
		}

		reply(protocol.RespFinal, "="+protocol.PropChallenge+"="+hex.EncodeToString(s.challenge))
		return
	}

	if !known || cmd.args[protocol.PropPassword] != password {
		trap("invalid user name or password (6)")
		return
	}

	s.loggedIn, s.user = true, name
	s.log.Info("User logged in", zap.String("user", name))
	reply(protocol.RespFinal)
}

func (s *session) print(
	ctx context.Context,
	menu string,
	cmd command,
	reply func(protocol.ResponseType, ...string),
	trap func(string),
) {
	rows, err := s.store.List(ctx, menu)
	if err != nil {
		trap(err.Error())
		return
	}

	var proplist map[string]bool
	if list, ok := cmd.args[".proplist"]; ok {
		proplist = make(map[string]bool)
		for _, name := range strings.Split(list, ",") {
			proplist[name] = true
		}
	}

	matched := 0

	for _, row := range rows {
		ok, err := evalQuery(cmd.query, row)
		if err != nil {
			trap(err.Error())
			return
		}

		if !ok {
			continue
		}

		matched++

		if _, countOnly := cmd.args["count-only"]; countOnly {
			continue
		}

		props := make([]string, 0, len(row))
		for _, attr := range row {
			if proplist != nil && !proplist[attr.Name] {
				continue
			}
			props = append(props, "="+attr.Name+"="+attr.Value)
		}

		reply(protocol.RespData, props...)
	}

	if _, countOnly := cmd.args["count-only"]; countOnly {
		reply(protocol.RespFinal, "=ret="+strconv.Itoa(matched))
		return
	}

	reply(protocol.RespFinal)
}

// cancel stops the listen request tagged tag, or every listen request when tag
// is empty, and returns the replies that end them. ok is false for an unknown tag.
func (s *session) cancel(tag string) ([][]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tags []string

	if tag == "" {
		for t := range s.listens {
			tags = append(tags, t)
		}
	} else {
		if _, ok := s.listens[tag]; !ok {
			return nil, false
		}
		tags = []string{tag}
	}

	var replies [][]string

	for _, t := range tags {
		delete(s.listens, t)

		replies = append(replies,
			[]string{string(protocol.RespError), "=category=2", "=message=interrupted", protocol.TagPrefix + t},
			[]string{string(protocol.RespFinal), protocol.TagPrefix + t},
		)
	}

	return replies, true
}

// updateReplies renders update for every listen request watching its menu.
func (s *session) updateReplies(update *storage.Update) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replies [][]string

	for tag, menu := range s.listens {
		if menu != update.Menu {
			continue
		}

		sentence := []string{string(protocol.RespData)}
		for _, attr := range update.Row {
			sentence = append(sentence, "="+attr.Name+"="+attr.Value)
		}
		if update.Removed {
			sentence = append(sentence, "=.dead=yes")
		}

		replies = append(replies, append(sentence, protocol.TagPrefix+tag))
	}

	return replies
}

// evalQuery runs query words against row the way the device does: every
// condition pushes a result on a stack, #& #| and #! combine the top of it,
// and whatever is left on the stack at the end must all be true.
func evalQuery(words []string, row storage.Row) (bool, error) {
	stack := make([]bool, 0, len(words))

	pop := func() (bool, error) {
		if len(stack) == 0 {
			return false, errBadQuery
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, word := range words {
		switch word {
		case protocol.QueryAnd, protocol.QueryOr:
			b, err := pop()
			if err != nil {
				return false, err
			}
			a, err := pop()
			if err != nil {
				return false, err
			}

			if word == protocol.QueryAnd {
				stack = append(stack, a && b)
			} else {
				stack = append(stack, a || b)
			}

		case protocol.QueryNot:
			a, err := pop()
			if err != nil {
				return false, err
			}
			stack = append(stack, !a)

		default:
			if !strings.HasPrefix(word, protocol.QueryPrefix) {
				return false, errBadQuery
			}
			stack = append(stack, evalCondition(word[1:], row))
		}
	}

	for _, v := range stack {
		if !v {
			return false, nil
		}
	}

	return true, nil
}

func evalCondition(cond string, row storage.Row) bool {
	switch {
	case strings.HasPrefix(cond, "-"):
		_, ok := row.Get(cond[1:])
		return !ok

	case strings.HasPrefix(cond, ">"), strings.HasPrefix(cond, "<"):
		parts := strings.SplitN(cond[1:], "=", 2)
		if len(parts) != 2 {
			return false
		}

		value, ok := row.Get(parts[0])
		if !ok {
			return false
		}

		c := compare(value, parts[1])
		if cond[0] == '>' {
			return c > 0
		}
		return c < 0

	case strings.ContainsRune(cond, '='):
		parts := strings.SplitN(cond, "=", 2)
		value, ok := row.Get(parts[0])
		return ok && value == parts[1]

	default:
		_, ok := row.Get(cond)
		return ok
	}
}

// compare compares numerically when both sides are numbers.
func compare(a, b string) int {
	x, xerr := strconv.ParseInt(a, 10, 64)
	y, yerr := strconv.ParseInt(b, 10, 64)

	if xerr == nil && yerr == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}

	return strings.Compare(a, b)
}

func argsRow(cmd command) storage.Row {
	row := make(storage.Row, 0, len(cmd.argNames))

	for _, name := range cmd.argNames {
		if strings.HasPrefix(name, ".") {
			continue
		}
		row = append(row, storage.Attr{Name: name, Value: cmd.args[name]})
	}

	return row
}

func errorMessage(err error) string {
	if errors.Is(err, storage.ErrNoSuchItem) {
		return "no such item"
	}

	return err.Error()
}
