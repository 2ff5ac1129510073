package history

import (
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Lazy", func() {
	var (
		opens   int
		openErr error
		dir     string
		lazy    *Lazy
	)

	BeforeEach(func() {
		opens = 0
		openErr = nil
		dir = GinkgoT().TempDir()
		lazy = NewLazy(func() (Store, error) {
			opens++
			if openErr != nil {
				return nil, openErr
			}
			return NewBoltStore(filepath.Join(dir, "lazy.db"))
		})
	})

	AfterEach(func() {
		lazy.Close()
	})

	It("should not open the database until first use", func() {
		Expect(opens).To(Equal(0))
	})

	When("the database opens", func() {
		BeforeEach(func() {
			Expect(lazy.Save(newRecord("id1", "a", "b", base))).To(Succeed())
		})

		It("should reuse one handle for every call", func() {
			_, _, err := lazy.Get("id1")
			Expect(err).NotTo(HaveOccurred())
			_, err = lazy.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(opens).To(Equal(1))
		})

		It("should serve what was saved", func() {
			_, ok, err := lazy.Get("id1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("should reopen after Close", func() {
			Expect(lazy.Close()).To(Succeed())
			records, err := lazy.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(opens).To(Equal(2))
		})
	})

	When("the database fails to open", func() {
		BeforeEach(func() {
			openErr = errors.New("disk on fire")
		})

		It("should report itself unavailable", func() {
			Expect(lazy.Available()).To(BeFalse())
		})

		It("should return empty lists", func() {
			records, err := lazy.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())

			found, err := lazy.Search("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeEmpty())
		})

		It("should report every id absent", func() {
			_, ok, err := lazy.Get("id1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should fail writes explicitly", func() {
			Expect(lazy.Save(newRecord("id1", "a", "b", base))).To(MatchError(ErrUnavailable))
			Expect(lazy.Delete("id1")).To(MatchError(ErrUnavailable))
		})

		It("should only try to open once", func() {
			lazy.List()
			lazy.List()
			Expect(opens).To(Equal(1))
		})
	})
})
