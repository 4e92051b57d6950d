package client_test

import (
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/routeros/client"
	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/storage"
	"github.com/luma/routeros/transport"
)

var _ = Describe("Client against the emulated device", func() {
	var (
		ctx     context.Context
		tcp     *transport.TCP
		options client.Options
		c       *client.Client
	)

	BeforeEach(func() {
		ctx = context.Background()

		tcp = transport.NewTCP(transport.Options{
			Host:  "127.0.0.1",
			Users: map[string]string{"admin": "secret"},
			Store: storage.NewInmemoryStore(),
		})
		Expect(tcp.Start(ctx)).To(Succeed())

		addr := tcp.Addr().(*net.TCPAddr)
		options = client.Options{
			Host:       addr.IP.String(),
			Port:       addr.Port,
			Username:   "admin",
			Password:   "secret",
			Timeout:    2 * time.Second,
			Persistent: true,
		}

		var err error
		c, err = client.New(ctx, options)
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		Expect(c.Close()).To(Succeed())
		Expect(tcp.Close()).To(Succeed())
	})

	It("adds rows and prints them back through a query", func() {
		for _, address := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			responses, err := c.SendSync(ctx, mustRequest("/ip/arp/add", "address", address, "interface", "ether1"))
			Expect(err).To(Succeed())
			Expect(responses.Err()).To(Succeed())
		}

		req := mustRequest("/ip/arp/print")
		Expect(req.SetQuery(protocol.Or(
			protocol.Where("address", "10.0.0.1"),
			protocol.Where("address", "10.0.0.3"),
		))).To(Succeed())

		responses, err := c.SendSync(ctx, req)
		Expect(err).To(Succeed())

		rows := responses.OfType(protocol.RespData)
		Expect(rows.Len()).To(Equal(2))
		Expect(rows.Index("address")).To(HaveKey("10.0.0.3"))
	})

	It("streams listen replies to a callback until it cancels", func() {
		var seen []string

		req := mustRequest("/ip/arp/listen")
		_, err := c.SendAsync(req, func(resp *protocol.Response, _ *client.Client) bool {
			if resp.Type == protocol.RespData {
				seen = append(seen, resp.Get("address"))
			}
			return len(seen) == 2
		})
		Expect(err).To(Succeed())

		// Let the device register the listener before changing the menu
		done, err := c.Loop(withTimeout(ctx, 50*time.Millisecond), 0)
		Expect(err).To(Succeed())
		Expect(done).To(BeFalse())

		for _, address := range []string{"10.0.0.1", "10.0.0.2"} {
			_, err := tcp.Store().Add(ctx, "/ip/arp", storage.Row{{Name: "address", Value: address}})
			Expect(err).To(Succeed())
		}

		Eventually(func() bool {
			done, err := c.Loop(ctx, 0)
			Expect(err).To(Succeed())
			return done
		}).Should(BeTrue())

		Expect(seen).To(Equal([]string{"10.0.0.1", "10.0.0.2"}))
		Expect(c.PendingTags()).To(BeEmpty())
	})

	It("reopens a persistent client after the device ended the session", func() {
		responses, err := c.SendSync(ctx, mustRequest("/quit"))
		Expect(err).To(Succeed())
		Expect(responses.Last().Type).To(Equal(protocol.RespFatal))
		Expect(c.State()).To(Equal(client.StateDisconnected))

		_, err = c.SendSync(ctx, mustRequest("/system/identity/print"))
		Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())

		Expect(c.Reopen(ctx)).To(Succeed())
		Expect(c.State()).To(Equal(client.StateReady))

		responses, err = c.SendSync(ctx, mustRequest("/system/identity/print"))
		Expect(err).To(Succeed())
		Expect(responses.First().Get("name")).To(Equal("MikroTik"))
	})
})

func withTimeout(ctx context.Context, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(ctx, d)
	time.AfterFunc(d, cancel)
	return ctx
}
