package check

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/pillchecker/internal/drug"
	"github.com/zombor/pillchecker/internal/gateway"
	"github.com/zombor/pillchecker/internal/history"
	"github.com/zombor/pillchecker/internal/scanning"
	"github.com/zombor/pillchecker/internal/session"
)

type scriptedRecognizer struct {
	text string
}

func (s *scriptedRecognizer) Recognize(ctx context.Context, img scanning.Image) (string, error) {
	return s.text, nil
}

func (s *scriptedRecognizer) Close() error { return nil }

type mockSuggester struct {
	queries []string
}

func (m *mockSuggester) Suggest(ctx context.Context, query string) []string {
	m.queries = append(m.queries, query)
	if query == "ibu" {
		return []string{"ibuprofen", "ibuprofen lysine"}
	}
	return nil
}

var _ = Describe("Server", func() {
	var (
		analysis    *ghttp.Server
		recognizer  *scriptedRecognizer
		suggester   *mockSuggester
		openHistory history.Opener
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	BeforeEach(func() {
		analysis = ghttp.NewServer()
		DeferCleanup(analysis.Close)

		recognizer = &scriptedRecognizer{text: "IBUPROFEN 200 mg"}
		suggester = &mockSuggester{}

		dbPath := filepath.Join(GinkgoT().TempDir(), "checks.db")
		openHistory = func() (history.Store, error) {
			return history.NewBoltStore(dbPath)
		}

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{Jar: jar}
	})

	// JustBeforeEach so individual tests can swap collaborators first
	JustBeforeEach(func() {
		gw := gateway.NewClient(analysis.URL(), time.Second)
		store := history.NewLazy(openHistory)
		DeferCleanup(store.Close)

		sessions := NewSessions(time.Hour, session.NewCacheStore(time.Hour), recognizer, gw)
		DeferCleanup(sessions.Close)

		server := NewServerWithMux(NewService(gw, store), sessions, suggester, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		DeferCleanup(ghttpServer.Close)
		everything := regexp.MustCompile(`^/`)
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, everything, server.ServeHTTP)
		}
	})

	do := func(method, path string, body any) *http.Response {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(slot string, data []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "box.png")
		Expect(err).NotTo(HaveOccurred())
		part.Write(data)
		Expect(mw.Close()).To(Succeed())

		req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/scan/"+slot, &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	getSession := func() sessionResponse {
		var sess sessionResponse
		resp := do(http.MethodGet, "/api/session", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		decode(resp, &sess)
		return sess
	}

	respondMajor := func() {
		analysis.RouteToHandler(http.MethodPost, "/interactions", ghttp.CombineHandlers(
			ghttp.VerifyJSON(`{"drugs":["ibuprofen","warfarin"]}`),
			ghttp.RespondWith(http.StatusOK, `{
				"interactions": [{
					"drug_a": "ibuprofen",
					"drug_b": "warfarin",
					"severity": "major",
					"description": "Increased risk of bleeding",
					"management": "Avoid combination"
				}],
				"safe": false
			}`),
		))
	}

	It("should answer preflight requests", func() {
		resp := do(http.MethodOptions, "/api/checks", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
	})

	It("should start with two empty slots and set a session cookie", func() {
		resp := do(http.MethodGet, "/api/session", nil)
		Expect(resp.Cookies()).To(ContainElement(HaveField("Name", SessionCookie)))

		var sess sessionResponse
		decode(resp, &sess)
		Expect(sess.Slots).To(HaveLen(2))
		Expect(sess.Slots[0].Filled).To(BeFalse())
		Expect(sess.Slots[1].Filled).To(BeFalse())
		Expect(sess.BothFilled).To(BeFalse())
	})

	It("should reject a slot outside the session", func() {
		resp := do(http.MethodPut, "/api/session/slots/2", nameRequest{Name: "aspirin"})
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should clear one slot", func() {
		do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: "aspirin"}).Body.Close()
		resp := do(http.MethodDelete, "/api/session/slots/0", nil)
		var sess sessionResponse
		decode(resp, &sess)
		Expect(sess.Slots[0].Filled).To(BeFalse())
	})

	Describe("manual check end to end", func() {
		BeforeEach(func() {
			respondMajor()
		})

		It("should look up, save once and reset the session", func() {
			do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: " ibuprofen "}).Body.Close()
			do(http.MethodPut, "/api/session/slots/1", nameRequest{Name: "warfarin"}).Body.Close()
			Expect(getSession().BothFilled).To(BeTrue())

			resp := do(http.MethodPost, "/api/checks", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var verdict Verdict
			decode(resp, &verdict)
			Expect(verdict.Safe).To(BeFalse())
			Expect(verdict.Findings).To(HaveLen(1))
			Expect(verdict.Findings[0].Severity).To(Equal(drug.Major))
			Expect(getSession().Verdict).NotTo(BeNil())

			resp = do(http.MethodPost, "/api/checks/save", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var record history.Record
			decode(resp, &record)
			Expect(record.DrugA).To(Equal("ibuprofen"))
			Expect(record.DrugB).To(Equal("warfarin"))
			Expect(record.Source).To(Equal(history.SourceManual))
			Expect(record.Safe).To(BeFalse())

			resp = do(http.MethodPost, "/api/checks/save", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))

			var records []history.Record
			decode(do(http.MethodGet, "/api/checks", nil), &records)
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(record.ID))

			sess := getSession()
			Expect(sess.Slots[0].Filled).To(BeFalse())
			Expect(sess.Slots[1].Filled).To(BeFalse())
			Expect(sess.Verdict).To(BeNil())
		})

		It("should fetch, search and delete saved checks", func() {
			do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: "ibuprofen"}).Body.Close()
			do(http.MethodPut, "/api/session/slots/1", nameRequest{Name: "warfarin"}).Body.Close()
			do(http.MethodPost, "/api/checks", nil).Body.Close()
			var record history.Record
			decode(do(http.MethodPost, "/api/checks/save", nil), &record)

			var fetched history.Record
			resp := do(http.MethodGet, "/api/checks/"+record.ID, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &fetched)
			Expect(fetched.Findings).To(HaveLen(1))

			var found []history.Record
			decode(do(http.MethodGet, "/api/checks?q=IBU", nil), &found)
			Expect(found).To(HaveLen(1))
			decode(do(http.MethodGet, "/api/checks?q=aspirin", nil), &found)
			Expect(found).To(BeEmpty())

			resp = do(http.MethodDelete, "/api/checks/"+record.ID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do(http.MethodGet, "/api/checks/"+record.ID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/checks", func() {
		It("should refuse with one drug", func() {
			do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: "ibuprofen"}).Body.Close()
			resp := do(http.MethodPost, "/api/checks", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(analysis.ReceivedRequests()).To(BeEmpty())
		})

		It("should report a server failure and keep the slots", func() {
			analysis.RouteToHandler(http.MethodPost, "/interactions", ghttp.RespondWith(http.StatusInternalServerError, "boom"))
			do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: "ibuprofen"}).Body.Close()
			do(http.MethodPut, "/api/session/slots/1", nameRequest{Name: "warfarin"}).Body.Close()

			resp := do(http.MethodPost, "/api/checks", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var body map[string]string
			decode(resp, &body)
			Expect(body["error"]).To(Equal("Server error (500). Please try again."))
			Expect(body["kind"]).To(Equal(string(gateway.KindServerError)))

			Expect(getSession().BothFilled).To(BeTrue())
		})
	})

	Describe("scanning", func() {
		When("recognition reads no text", func() {
			BeforeEach(func() {
				recognizer.text = "   "
			})

			It("should end idle with a reason and fill no slot", func() {
				resp := upload("0", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var state scanning.State
				decode(resp, &state)
				Expect(state.Stage).To(Equal(scanning.StageIdle))
				Expect(state.Failure).To(Equal(scanning.FailureNoText))
				Expect(strings.ToLower(state.Reason)).To(ContainSubstring("could not read text"))

				sess := getSession()
				Expect(sess.Slots[0].Filled).To(BeFalse())
				Expect(sess.Slots[1].Filled).To(BeFalse())
				Expect(sess.Scanned).To(BeFalse())
				Expect(analysis.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the package names a drug", func() {
			BeforeEach(func() {
				analysis.RouteToHandler(http.MethodPost, "/analyze", ghttp.CombineHandlers(
					ghttp.VerifyJSON(`{"text":"IBUPROFEN 200 mg"}`),
					ghttp.RespondWith(http.StatusOK, `{
						"drugs": [{"rxcui": "5640", "name": "Ibuprofen", "dosage": "200 mg", "form": null, "source": "ner", "confidence": 0.9}],
						"raw_text": "IBUPROFEN 200 mg"
					}`),
				))
			})

			JustBeforeEach(func() {
				resp := upload("1", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var state scanning.State
				decode(resp, &state)
				Expect(state.Stage).To(Equal(scanning.StageResult))
				Expect(state.Name).To(Equal("Ibuprofen"))
			})

			It("should show the preview", func() {
				resp := do(http.MethodGet, "/api/scan/preview", nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal([]byte("png bytes")))
			})

			It("should commit the candidate on confirm", func() {
				resp := do(http.MethodPost, "/api/scan/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var sess sessionResponse
				decode(resp, &sess)
				Expect(sess.Slots[1].DisplayName).To(Equal("Ibuprofen"))
				Expect(sess.Slots[1].Candidate).NotTo(BeNil())
				Expect(sess.Slots[1].Candidate.ExternalID).To(Equal("5640"))
				Expect(sess.Scanned).To(BeTrue())
			})

			It("should commit an edited name without the candidate", func() {
				resp := do(http.MethodPut, "/api/scan/name", nameRequest{Name: "Ibuprofen Lysine"})
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var sess sessionResponse
				decode(do(http.MethodPost, "/api/scan/confirm", nil), &sess)
				Expect(sess.Slots[1].DisplayName).To(Equal("Ibuprofen Lysine"))
				Expect(sess.Slots[1].Candidate).To(BeNil())
			})

			It("should refuse a blank name", func() {
				do(http.MethodPut, "/api/scan/name", nameRequest{Name: "  "}).Body.Close()
				resp := do(http.MethodPost, "/api/scan/confirm", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should forget everything on retake", func() {
				var state scanning.State
				decode(do(http.MethodPost, "/api/scan/retake", nil), &state)
				Expect(state.Stage).To(Equal(scanning.StageIdle))

				resp := do(http.MethodGet, "/api/scan/preview", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

				resp = do(http.MethodPost, "/api/scan/confirm", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		It("should require a photo", func() {
			resp := upload("0", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("suggestions", func() {
		It("should return matching names", func() {
			var names []string
			decode(do(http.MethodGet, "/api/suggestions?q=ibu", nil), &names)
			Expect(names).To(Equal([]string{"ibuprofen", "ibuprofen lysine"}))
		})

		It("should return an empty list rather than null", func() {
			resp := do(http.MethodGet, "/api/suggestions?q=zz", nil)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should fill a slot from a selected suggestion", func() {
			resp := do(http.MethodPost, "/api/session/suggestion", suggestionRequest{Slot: 0, Name: "ibuprofen"})
			var sess sessionResponse
			decode(resp, &sess)
			Expect(sess.Slots[0].DisplayName).To(Equal("ibuprofen"))
			Expect(sess.Scanned).To(BeFalse())
		})

		It("should refuse a blank suggestion", func() {
			resp := do(http.MethodPost, "/api/session/suggestion", suggestionRequest{Slot: 0, Name: " "})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	When("the history database cannot be opened", func() {
		BeforeEach(func() {
			openHistory = func() (history.Store, error) {
				return nil, errors.New("read-only filesystem")
			}
			respondMajor()
		})

		It("should fail the save but keep the verdict", func() {
			do(http.MethodPut, "/api/session/slots/0", nameRequest{Name: "ibuprofen"}).Body.Close()
			do(http.MethodPut, "/api/session/slots/1", nameRequest{Name: "warfarin"}).Body.Close()
			do(http.MethodPost, "/api/checks", nil).Body.Close()

			resp := do(http.MethodPost, "/api/checks/save", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(getSession().Verdict).NotTo(BeNil())
		})

		It("should list nothing", func() {
			var records []history.Record
			decode(do(http.MethodGet, "/api/checks", nil), &records)
			Expect(records).To(BeEmpty())
		})
	})
})
