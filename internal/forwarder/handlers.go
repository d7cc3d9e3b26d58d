package forwarder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/zombor/ai-receipts/internal/mailsource"
	"github.com/zombor/ai-receipts/internal/receipt"
)

// maxBodySize bounds uploaded emails
const maxBodySize = 50 << 20

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// parseDay reads an optional YYYY-MM-DD query parameter
func parseDay(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseDay(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDay(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

// handleScan fetches and processes the last ?days of mail
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	loose, _ := strconv.ParseBool(r.URL.Query().Get("loose"))

	report, err := s.service.Scan(r.Context(), mailsource.Query{
		Since: mailsource.DaysAgo(s.service.timeSource.Now(), days),
		Loose: loose,
	})
	if errors.Is(err, ErrNoSource) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		slog.Error("Error scanning mailbox", "error", err)
		if report == nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleProcessEmails processes uploaded emails: one raw message/rfc822 body,
// or a JSON array of decoded emails
func (s *Server) handleProcessEmails(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body is too large. Maximum size is 50MB.")
		return
	}

	var emails []receipt.RawEmail
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "message/rfc822":
		email, err := mailsource.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		emails = append(emails, email)
	default:
		if err := json.Unmarshal(body, &emails); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	report, err := s.service.ProcessEmails(r.Context(), emails)
	if err != nil {
		slog.Error("Error processing emails", "error", err)
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.service.ListReceipts(r.Context(), from, to)
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleMonthlyReport totals ?month=YYYY-MM, defaulting to the current month
func (s *Server) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	month := s.service.timeSource.Now()
	if v := r.URL.Query().Get("month"); v != "" {
		t, err := time.Parse("2006-01", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM")
			return
		}
		month = t
	}

	report, err := s.service.MonthlyReport(r.Context(), month)
	if err != nil {
		slog.Error("Error building monthly report", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := s.service.Export(r.Context(), from, to)
	if err != nil {
		slog.Error("Error exporting receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.Write(data)
}

func (s *Server) handleRegistryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.RegistryStats()
	if err != nil {
		slog.Error("Error reading registry", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearRegistry(); err != nil {
		slog.Error("Error clearing registry", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Providers())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}
