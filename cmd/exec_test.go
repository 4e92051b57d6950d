package cmd

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/routeros/internal/env"
	"github.com/luma/routeros/protocol"
)

var _ = Describe("exec", func() {
	Describe("parseRequest", func() {
		It("turns name=value words into arguments", func() {
			req, err := parseRequest([]string{"/ip/arp/add", "address=10.0.0.1", "comment=a=b"})
			Expect(err).To(Succeed())
			Expect(req.Words()).To(Equal([]string{"/ip/arp/add", "=address=10.0.0.1", "=comment=a=b"}))
		})

		It("joins query words with and", func() {
			req, err := parseRequest([]string{"/ip/arp/print", "?interface=ether1", "?>address=10.0.0.5", "?-comment"})
			Expect(err).To(Succeed())
			Expect(req.Words()).To(Equal([]string{
				"/ip/arp/print",
				"?interface=ether1",
				"?>address=10.0.0.5",
				"#&",
				"?-comment",
				"#&",
			}))
		})

		It("keeps a single condition as is", func() {
			req, err := parseRequest([]string{"/ip/arp/print", "?dynamic"})
			Expect(err).To(Succeed())
			Expect(req.Words()).To(Equal([]string{"/ip/arp/print", "?dynamic"}))
		})

		It("rejects words without a value", func() {
			_, err := parseRequest([]string{"/ip/arp/add", "address"})
			Expect(err).To(MatchError(ContainSubstring("name=value")))
		})

		It("rejects invalid commands", func() {
			_, err := parseRequest([]string{"ip arp"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("parseCondition", func() {
		It("parses every operator", func() {
			Expect(parseCondition("a=1").Words()).To(Equal([]string{"?a=1"}))
			Expect(parseCondition(">a=1").Words()).To(Equal([]string{"?>a=1"}))
			Expect(parseCondition("<a=1").Words()).To(Equal([]string{"?<a=1"}))
			Expect(parseCondition("<a").Words()).To(Equal([]string{"?<a="}))
			Expect(parseCondition("a").Words()).To(Equal([]string{"?a"}))
			Expect(parseCondition("-a").Words()).To(Equal([]string{"?-a"}))
		})
	})

	Describe("responseJSON", func() {
		It("renders type, tag and properties in order", func() {
			resp, err := protocol.NewResponse([]string{"!re", "=address=10.0.0.1", "=interface=ether1", ".tag=7"})
			Expect(err).To(Succeed())

			out, err := responseJSON(resp)
			Expect(err).To(Succeed())

			parsed := gjson.ParseBytes(out)
			Expect(parsed.Get("type").String()).To(Equal("!re"))
			Expect(parsed.Get("tag").String()).To(Equal("7"))
			Expect(parsed.Get("props.#.name").String()).To(Equal(`["address","interface"]`))
			Expect(parsed.Get("props.1.value").String()).To(Equal("ether1"))
			Expect(parsed.Get("words").Exists()).To(BeFalse())
		})

		It("keeps unrecognized words", func() {
			resp, err := protocol.NewResponse([]string{"!fatal", "session terminated on request"})
			Expect(err).To(Succeed())

			out, err := responseJSON(resp)
			Expect(err).To(Succeed())

			parsed := gjson.ParseBytes(out)
			Expect(parsed.Get("tag").Exists()).To(BeFalse())
			Expect(parsed.Get("props").IsArray()).To(BeTrue())
			Expect(parsed.Get("words.0").String()).To(Equal("session terminated on request"))
		})
	})

	Describe("applyExecFlags", func() {
		It("only overrides flags that were set", func() {
			conf := &env.Config{Host: "127.0.0.1", Username: "admin", Port: 8728}

			Expect(ExecCmd.Flags().Set("host", "10.0.0.1")).To(Succeed())
			defer func() {
				ExecCmd.Flags().Lookup("host").Changed = false
				execHost = ""
			}()

			applyExecFlags(ExecCmd.Flags(), conf)

			Expect(conf.Host).To(Equal("10.0.0.1"))
			Expect(conf.Username).To(Equal("admin"))
			Expect(conf.Port).To(Equal(8728))
		})
	})
})
