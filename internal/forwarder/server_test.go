package forwarder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ai-receipts/internal/classify"
	"github.com/zombor/ai-receipts/internal/extract"
	"github.com/zombor/ai-receipts/internal/ledger"
	"github.com/zombor/ai-receipts/internal/pipeline"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/receipt"
	"github.com/zombor/ai-receipts/internal/registry"
)

var _ = Describe("Server", func() {
	var (
		ledgerDB    *mockLedger
		publisher   *mockPublisher
		source      *mockSource
		deps        Deps
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		ledgerDB = &mockLedger{}
		publisher = &mockPublisher{}
		source = &mockSource{}
		reg := registry.NewMemory()
		deps = Deps{
			Source:    source,
			Pipeline:  pipeline.New(classify.New(), extract.New(provider.NewDefaultIdentifier()), reg, pipeline.Options{}),
			Registry:  reg,
			Ledger:    ledgerDB,
			Publisher: publisher,
		}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(deps, &sequentialIDs{}, fixedClock{now: time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	postJSON := func(path string, v any) *http.Response {
		body, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/providers")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/providers", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a wrong password", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/providers", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should leave the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS preflight", func() {
		It("should answer OPTIONS with no content", func() {
			req, err := http.NewRequest("OPTIONS", ghttpServer.URL()+"/api/emails", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})
	})

	Describe("POST /api/emails", func() {
		It("should process a JSON batch", func() {
			resp := postJSON("/api/emails", []receipt.RawEmail{openAIEmail("msg-1"), openAIEmail("msg-2")})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report ScanReport
			decode(resp, &report)
			Expect(report.Processed).To(Equal(2))
			Expect(report.Accepted).To(Equal(1))
			Expect(report.Duplicates).To(Equal(1))
			Expect(publisher.forwards).To(HaveLen(1))
		})

		It("should process a raw message", func() {
			raw, err := os.ReadFile(filepath.Join("..", "mailsource", "testdata", "inbox", "02-n8n.eml"))
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Post(ghttpServer.URL()+"/api/emails", "message/rfc822", bytes.NewReader(raw))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report ScanReport
			decode(resp, &report)
			Expect(report.Items).To(HaveLen(1))
			Expect(report.Items[0].MessageID).To(Equal("n8n-882211@paddle.com"))
		})

		It("should reject a body that is not JSON", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/emails", "application/json", bytes.NewBufferString("{nope"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/scan", func() {
		BeforeEach(func() {
			source.emails = []receipt.RawEmail{openAIEmail("msg-1")}
		})

		It("should scan the requested window", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/scan?days=3", "", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report ScanReport
			decode(resp, &report)
			Expect(report.Accepted).To(Equal(1))
			Expect(source.query.Since).To(Equal(time.Date(2025, 9, 28, 0, 0, 0, 0, time.UTC)))
		})

		It("should reject a bad window", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/scan?days=zero", "", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("no source is configured", func() {
			BeforeEach(func() {
				deps.Source = nil
			})

			It("should answer service unavailable", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/scan", "", nil)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("GET /api/receipts", func() {
		BeforeEach(func() {
			ledgerDB.entries = []ledger.Record{{ID: "id-1", MessageID: "msg-1"}}
		})

		It("should return the ledger entries", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts?from=2025-09-01&to=2025-09-30")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var entries []ledger.Record
			decode(resp, &entries)
			Expect(entries).To(HaveLen(1))
		})

		It("should reject a malformed date", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts?from=09/01/2025")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/report", func() {
		It("should default to the current month", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/report")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report MonthlyReport
			decode(resp, &report)
			Expect(report.Month).To(Equal("2025-10"))
		})

		It("should reject a malformed month", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/report?month=october")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/export.xlsx", func() {
		It("should return the workbook as a download", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/export.xlsx")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts.xlsx"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("xlsx"))
		})
	})

	Describe("/api/registry", func() {
		It("should report and clear the registry", func() {
			Expect(deps.Registry.Register(registry.Claim{InvoiceNumber: "inv_1", Provider: "OpenAI", MessageID: "m"})).To(Succeed())

			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/registry", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = http.Get(ghttpServer.URL() + "/api/registry")
			Expect(err).NotTo(HaveOccurred())
			var stats registry.Stats
			decode(resp, &stats)
			Expect(stats).To(Equal(registry.Stats{}))
		})
	})

	Describe("GET /api/providers", func() {
		It("should list the providers and their senders", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/providers")
			Expect(err).NotTo(HaveOccurred())

			var providers []provider.Provider
			decode(resp, &providers)
			Expect(providers).To(HaveLen(len(provider.Defaults)))
			Expect(providers).To(ContainElement(HaveField("Name", "N8N")))
		})
	})
})
