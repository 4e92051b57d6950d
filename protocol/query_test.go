package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/routeros/protocol"
)

var _ = Describe("Query", func() {
	It("serializes leaves", func() {
		Expect(protocol.Where("a", "1").Words()).To(Equal([]string{"?a=1"}))
		Expect(protocol.Where("comment", "").Words()).To(Equal([]string{"?comment="}))
		Expect(protocol.WhereOp("mtu", protocol.OpGreater, "1500").Words()).To(Equal([]string{"?>mtu=1500"}))
		Expect(protocol.WhereOp("mtu", protocol.OpLess, "1500").Words()).To(Equal([]string{"?<mtu=1500"}))
		Expect(protocol.Has("comment").Words()).To(Equal([]string{"?comment"}))
		Expect(protocol.Lacks("comment").Words()).To(Equal([]string{"?-comment"}))
	})

	It("serializes operands before their combinator", func() {
		q := protocol.And(protocol.Where("a", "1"), protocol.Where("b", "2"))
		Expect(q.Words()).To(Equal([]string{"?a=1", "?b=2", "#&"}))
	})

	It("folds more than two operands from the left", func() {
		q := protocol.Or(protocol.Where("a", "1"), protocol.Where("b", "2"), protocol.Where("c", "3"))
		Expect(q.Words()).To(Equal([]string{"?a=1", "?b=2", "#|", "?c=3", "#|"}))
	})

	It("serializes nested expressions in post-order", func() {
		q := protocol.And(
			protocol.Not(protocol.Where("disabled", "true")),
			protocol.Or(protocol.Has("comment"), protocol.Lacks("dynamic")),
		)

		Expect(q.String()).To(Equal("?disabled=true #! ?comment ?-dynamic #| #&"))
	})

	It("leaves nil operands out of the words", func() {
		q := protocol.And(nil, protocol.Where("a", "1"))
		Expect(q.Words()).To(Equal([]string{"?a=1", "#&"}))
		Expect(q.String()).To(Equal("?a=1 #&"))

		var empty *protocol.Query
		Expect(empty.Words()).To(BeEmpty())

		Expect(q.Validate()).NotTo(Succeed())
	})

	It("validates every leaf", func() {
		Expect(protocol.And(protocol.Where("a", "1"), protocol.Has("b")).Validate()).To(Succeed())

		err := protocol.And(protocol.Where("a", "1"), protocol.Where("b=c", "2")).Validate()
		Expect(errors.Is(err, protocol.ErrInvalidQueryName)).To(BeTrue())

		err = protocol.Not(nil).Validate()
		Expect(errors.Is(err, protocol.ErrArgument)).To(BeTrue())

		err = protocol.WhereOp("a", protocol.Operator("~"), "1").Validate()
		Expect(errors.Is(err, protocol.ErrArgument)).To(BeTrue())
	})
})
