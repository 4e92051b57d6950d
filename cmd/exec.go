package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/routeros/client"
	"github.com/luma/routeros/internal/env"
	"github.com/luma/routeros/protocol"
)

var (
	execHost     string
	execPort     int
	execUser     string
	execPassword string
	execTLS      bool
	execInsecure bool
	execTimeout  time.Duration
	execTag      string
)

func init() {
	flags := ExecCmd.Flags()

	flags.StringVarP(&execHost, "host", "a", "", "The device to connect to")
	flags.IntVarP(&execPort, "port", "p", 0, "The API port, 8728 or 8729 with --tls by default")
	flags.StringVarP(&execUser, "user", "u", "", "The user to log in as")
	flags.StringVar(&execPassword, "password", "", "The password to log in with")
	flags.BoolVar(&execTLS, "tls", false, "Connect with API-SSL")
	flags.BoolVar(&execInsecure, "insecure", false, "Skip verifying the device certificate")
	flags.DurationVar(&execTimeout, "timeout", 0, "Timeout for connecting and for every read")
	flags.StringVar(&execTag, "tag", "", "Tag the request instead of using a generated tag")
}

var ExecCmd = &cobra.Command{
	Use:   "exec <command> [name=value...] [?query...]",
	Short: "Run a single API command and print its replies",
	Long: `Run a single API command and print every reply as a JSON line.

Arguments of the form name=value become command arguments. Query words are
joined with AND:

	?name=value   name equals value
	?>name=value  name is greater than value
	?<name=value  name is less than value
	?name         name is present
	?-name        name is absent

Usage
	routeros exec /ip/arp/print ?interface=ether1
	routeros exec /ip/arp/listen

Commands that never finish, such as listen, run until interrupted.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		applyExecFlags(cmd.Flags(), conf)

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		req, err := parseRequest(args)
		if err != nil {
			return err
		}

		if execTag != "" {
			req.SetTag(execTag)
		}

		options := client.Options{
			Host:       conf.Host,
			Port:       conf.Port,
			Username:   conf.Username,
			Password:   conf.Password,
			Timeout:    conf.Timeout,
			Persistent: conf.Persistent,
			Log:        log,
		}

		if conf.TLS {
			options.TLS = &tls.Config{
				ServerName:         conf.Host,
				InsecureSkipVerify: execInsecure, //nolint:gosec
			}
		}

		c, err := client.New(ctx, options)
		if err != nil {
			return fmt.Errorf("Failed to connect to %s: %w", conf.Host, err)
		}
		defer c.Close()

		out := cmd.OutOrStdout()

		var printErr error

		tag, err := c.SendAsync(req, func(resp *protocol.Response, _ *client.Client) bool {
			line, err := responseJSON(resp)
			if err != nil {
				printErr = err
				return true
			}

			fmt.Fprintln(out, string(line))
			return false
		})
		if err != nil {
			return err
		}

		for ctx.Err() == nil {
			done, err := c.Loop(ctx, 0)
			if err != nil {
				return err
			}

			if done {
				return printErr
			}
		}

		log.Info("Interrupted, cancelling request", zap.String("tag", tag))

		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return c.CancelRequest(cancelCtx, tag)
	},
}

func applyExecFlags(flags *pflag.FlagSet, conf *env.Config) {
	if flags.Changed("host") {
		conf.Host = execHost
	}
	if flags.Changed("port") {
		conf.Port = execPort
	}
	if flags.Changed("user") {
		conf.Username = execUser
	}
	if flags.Changed("password") {
		conf.Password = execPassword
	}
	if flags.Changed("tls") {
		conf.TLS = execTLS
	}
	if flags.Changed("timeout") {
		conf.Timeout = execTimeout
	}
}

// parseRequest turns command line words into a request.
func parseRequest(args []string) (*protocol.Request, error) {
	req, err := protocol.NewRequest(args[0])
	if err != nil {
		return nil, err
	}

	var conditions []*protocol.Query

	for _, arg := range args[1:] {
		if strings.HasPrefix(arg, protocol.QueryPrefix) {
			conditions = append(conditions, parseCondition(arg[1:]))
			continue
		}

		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("argument %q is not of the form name=value", arg)
		}

		if err := req.SetArgument(parts[0], parts[1]); err != nil {
			return nil, err
		}
	}

	var query *protocol.Query

	switch len(conditions) {
	case 0:
		return req, nil
	case 1:
		query = conditions[0]
	default:
		query = protocol.And(conditions[0], conditions[1], conditions[2:]...)
	}

	if err := req.SetQuery(query); err != nil {
		return nil, err
	}

	return req, nil
}

func parseCondition(cond string) *protocol.Query {
	switch {
	case strings.HasPrefix(cond, "-"):
		return protocol.Lacks(cond[1:])

	case strings.HasPrefix(cond, ">"), strings.HasPrefix(cond, "<"):
		op := protocol.OpGreater
		if cond[0] == '<' {
			op = protocol.OpLess
		}

		parts := append(strings.SplitN(cond[1:], "=", 2), "")
		return protocol.WhereOp(parts[0], op, parts[1])

	case strings.ContainsRune(cond, '='):
		parts := strings.SplitN(cond, "=", 2)
		return protocol.Where(parts[0], parts[1])
	}

	return protocol.Has(cond)
}

// responseJSON renders a reply as
//
//   {"type":"!re","tag":"1","props":[{"name":"address","value":"192.168.88.1"}]}
func responseJSON(resp *protocol.Response) ([]byte, error) {
	out, err := sjson.SetBytes([]byte("{}"), "type", string(resp.Type))
	if err != nil {
		return nil, err
	}

	if resp.Tag != "" {
		if out, err = sjson.SetBytes(out, "tag", resp.Tag); err != nil {
			return nil, err
		}
	}

	if out, err = sjson.SetRawBytes(out, "props", []byte("[]")); err != nil {
		return nil, err
	}

	for _, prop := range resp.Properties() {
		out, err = sjson.SetBytes(out, "props.-1", map[string]string{
			"name":  prop.Name,
			"value": prop.Value,
		})
		if err != nil {
			return nil, err
		}
	}

	if words := resp.Unrecognized(); len(words) > 0 {
		if out, err = sjson.SetBytes(out, "words", words); err != nil {
			return nil, err
		}
	}

	return out, nil
}
