package suggest

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("RxNorm", func() {
	var (
		server *ghttp.Server
		rxnorm *RxNorm
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		rxnorm = NewRxNorm(server.URL(), 5)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("ApproximateMatch", func() {
		var (
			ids []string
			err error
		)

		JustBeforeEach(func() {
			ids, err = rxnorm.ApproximateMatch(context.Background(), "ibu")
		})

		When("the service returns candidates", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/approximateTerm.json", "maxEntries=5&term=ibu"),
					ghttp.RespondWith(http.StatusOK, `{"approximateGroup":{"inputTerm":"ibu","candidate":[
						{"rxcui":"5640","score":"8","rank":"1"},
						{"rxcui":"5640","score":"8","rank":"1"},
						{"score":"2","rank":"3"},
						{"rxcui":"153008","score":"5","rank":"2"}
					]}}`),
				))
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return identifiers in service order", func() {
				Expect(ids).To(Equal([]string{"5640", "5640", "153008"}))
			})
		})

		When("the service returns no candidates", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"approximateGroup":{"inputTerm":"zz"}}`))
			})

			It("should return no identifiers", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(ids).To(BeEmpty())
			})
		})

		When("the service returns malformed JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"approximateGroup":`))
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})
		})

		When("the service fails", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, ""))
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("status 503")))
			})
		})
	})

	Describe("ResolveName", func() {
		var (
			name string
			err  error
		)

		JustBeforeEach(func() {
			name, err = rxnorm.ResolveName(context.Background(), "5640")
		})

		When("the identifier has properties", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/rxcui/5640/properties.json"),
					ghttp.RespondWith(http.StatusOK, `{"properties":{"rxcui":"5640","name":"ibuprofen","tty":"IN"}}`),
				))
			})

			It("should return the name", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(name).To(Equal("ibuprofen"))
			})
		})

		When("the identifier has no properties", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{}`))
			})

			It("returns the error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("with a Resolver", func() {
		var suggestions []string

		BeforeEach(func() {
			server.RouteToHandler(http.MethodGet, "/approximateTerm.json", ghttp.RespondWith(http.StatusOK,
				`{"approximateGroup":{"candidate":[{"rxcui":"5640"},{"rxcui":"5640"},{"rxcui":"999"}]}}`))
			server.RouteToHandler(http.MethodGet, "/rxcui/5640/properties.json", ghttp.RespondWith(http.StatusOK,
				`{"properties":{"name":"ibuprofen"}}`))
			server.RouteToHandler(http.MethodGet, "/rxcui/999/properties.json", ghttp.RespondWith(http.StatusNotFound, ""))
		})

		JustBeforeEach(func() {
			suggestions = NewResolver(rxnorm, 0).Suggest(context.Background(), "ibu")
		})

		It("should return the resolvable names", func() {
			Expect(suggestions).To(Equal([]string{"ibuprofen"}))
		})

		It("should issue one resolution call per unique identifier", func() {
			resolutions := 0
			for _, req := range server.ReceivedRequests() {
				if req.URL.Path == "/rxcui/5640/properties.json" {
					resolutions++
				}
			}
			Expect(resolutions).To(Equal(1))
			Expect(server.ReceivedRequests()).To(HaveLen(3))
		})
	})
})
