package client

import (
	"context"

	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/transport"
)

// Login authenticates on com. It returns false, and no error, when the device
// refuses the credentials.
//
// The password is sent in the first /login request, which is all devices since
// RouterOS 6.43 need. Older devices ignore it and answer with a challenge in
// the "ret" property instead, in which case a second /login request carries
// the MD5 challenge response.
func Login(ctx context.Context, com *transport.Communicator, username, password string) (bool, error) {
	req := protocol.MustRequest(protocol.CmdLogin)
	_ = req.SetArgument(protocol.PropName, username)
	_ = req.SetArgument(protocol.PropPassword, password)

	first, err := loginExchange(ctx, com, req)
	if err != nil || first == nil {
		return false, err
	}

	challenge, ok := first.Last().Property(protocol.PropChallenge)
	if !ok {
		return true, nil
	}

	raw, err := protocol.DecodeChallenge(challenge)
	if err != nil {
		return false, err
	}

	req = protocol.MustRequest(protocol.CmdLogin)
	_ = req.SetArgument(protocol.PropName, username)
	_ = req.SetArgument(protocol.PropResponse, protocol.ChallengeResponse(password, raw))

	second, err := loginExchange(ctx, com, req)
	if err != nil || second == nil {
		return false, err
	}

	return true, nil
}

// loginExchange sends req and reads replies up to the terminal one. A nil
// collection means the device refused the login.
func loginExchange(ctx context.Context, com *transport.Communicator, req *protocol.Request) (*protocol.ResponseCollection, error) {
	if _, err := com.SendRequest(req); err != nil {
		return nil, err
	}

	responses := protocol.NewResponseCollection()
	refused := false

	for !responses.Complete() {
		resp, err := com.ReadResponse(ctx)
		if err != nil {
			return nil, err
		}

		responses.Append(resp)

		switch resp.Type {
		case protocol.RespError:
			refused = true

		case protocol.RespFatal:
			com.Close()
			return nil, protocol.NewTransportError("login", resp.ErrorOrNil())
		}
	}

	if refused {
		return nil, nil
	}

	return responses, nil
}
