package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/ai-receipts/internal/classify"
	"github.com/zombor/ai-receipts/internal/normalize"
	"github.com/zombor/ai-receipts/internal/receipt"
	"github.com/zombor/ai-receipts/internal/registry"
)

// State is a step of the per-email state machine
type State string

const (
	Discovered   State = "DISCOVERED"
	Classified   State = "CLASSIFIED"
	Extracted    State = "EXTRACTED"
	DedupChecked State = "DEDUP_CHECKED"
	StateDone    State = "DONE"
)

// Outcome is the terminal result of processing one email
type Outcome int

const (
	Rejected Outcome = iota
	Unidentified
	Duplicate
	Accepted
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Unidentified:
		return "unidentified"
	case Duplicate:
		return "duplicate"
	case Accepted:
		return "accepted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classifier decides whether an email is a receipt candidate
type Classifier interface {
	IsCandidate(email receipt.RawEmail, mode classify.Mode) bool
}

// Extractor turns a candidate email into a Receipt
type Extractor interface {
	Extract(email receipt.RawEmail) receipt.Receipt
}

// Result is what the pipeline emits for one email
type Result struct {
	Email   receipt.RawEmail
	Outcome Outcome
	// Trace lists the states the email went through, ending in StateDone
	Trace   []State
	Receipt *receipt.Receipt
	// Match is the earlier registration when Outcome is Duplicate
	Match *registry.Match
	// DateFromReceived is set when the issued date was taken from ReceivedAt
	DateFromReceived bool
	// Err is a per-email failure. The Outcome is meaningless when set.
	Err error
}

// Options configures a Pipeline
type Options struct {
	Mode classify.Mode
	// ReceivedDateFallback fills a missing issued date from the email's
	// received timestamp. The extractor itself never fabricates a date.
	ReceivedDateFallback bool
	// Workers bounds ProcessBatch concurrency. Zero means GOMAXPROCS.
	Workers int
}

// Pipeline classifies, extracts and deduplicates emails
type Pipeline struct {
	classifier Classifier
	extractor  Extractor
	registry   registry.Registry
	opts       Options
}

// New creates a Pipeline around an injected registry
func New(classifier Classifier, extractor Extractor, reg registry.Registry, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Pipeline{
		classifier: classifier,
		extractor:  extractor,
		registry:   reg,
		opts:       opts,
	}
}

// Mode returns the classification mode in use
func (p *Pipeline) Mode() classify.Mode {
	return p.opts.Mode
}

// Process runs one email through the state machine. The only error returned
// is a registry failure; every other problem is expressed as an Outcome.
func (p *Pipeline) Process(email receipt.RawEmail) (Result, error) {
	res := Result{Email: email, Trace: []State{Discovered}}

	if !p.classifier.IsCandidate(email, p.opts.Mode) {
		res.Outcome = Rejected
		res.Trace = append(res.Trace, Classified, StateDone)
		return res, nil
	}
	res.Trace = append(res.Trace, Classified)

	r := p.extractor.Extract(email)
	if r.IssuedDate == nil && p.opts.ReceivedDateFallback && !email.ReceivedAt.IsZero() {
		r.IssuedDate = receipt.Ptr(email.ReceivedAt.UTC().Format(normalize.ISODate))
		r.Score()
		res.DateFromReceived = true
	}
	res.Receipt = &r
	res.Trace = append(res.Trace, Extracted)

	if !r.Success {
		res.Outcome = Unidentified
		res.Trace = append(res.Trace, StateDone)
		slog.Debug("Provider not identified", "message_id", email.MessageID, "sender", email.Sender)
		return res, nil
	}

	match, err := p.registry.Admit(registry.NewClaim(email, r))
	if err != nil {
		return res, fmt.Errorf("registering receipt %s: %w", email.MessageID, err)
	}
	res.Trace = append(res.Trace, DedupChecked, StateDone)

	if match != nil {
		res.Outcome = Duplicate
		res.Match = match
		slog.Debug("Duplicate receipt", "message_id", email.MessageID, "index", match.Index, "key", match.Key)
		return res, nil
	}

	res.Outcome = Accepted
	slog.Debug("Receipt accepted",
		"message_id", email.MessageID,
		"provider", r.ProviderName(),
		"invoice", r.InvoiceID(),
		"confidence", r.Confidence,
	)
	return res, nil
}

// ProcessBatch processes emails concurrently and returns one Result per email
// in input order. A panic while processing one email is recovered into that
// email's Err. A registry failure is recorded on its email, stops the emails
// not yet started, and is returned.
func (p *Pipeline) ProcessBatch(ctx context.Context, emails []receipt.RawEmail) ([]Result, error) {
	results := make([]Result, len(emails))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, email := range emails {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Email: email, Trace: []State{Discovered}, Err: err}
				return nil
			}
			res, err := p.processSafely(email)
			if err != nil {
				res.Err = err
				results[i] = res
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("panic while processing email: %v", e.value)
}

// processSafely is Process with panics turned into a per-email error
func (p *Pipeline) processSafely(email receipt.RawEmail) (res Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("Recovered from panic", "message_id", email.MessageID, "panic", v)
			res = Result{Email: email, Trace: []State{Discovered}, Err: panicError{value: v}}
			err = nil
		}
	}()
	return p.Process(email)
}

// Summary counts batch results by outcome
type Summary struct {
	Processed    int `json:"processed"`
	Rejected     int `json:"rejected"`
	Unidentified int `json:"unidentified"`
	Duplicates   int `json:"duplicates"`
	Accepted     int `json:"accepted"`
	Errors       int `json:"errors"`
}

// Summarize counts results by outcome
func Summarize(results []Result) Summary {
	s := Summary{Processed: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Errors++
			continue
		}
		switch r.Outcome {
		case Rejected:
			s.Rejected++
		case Unidentified:
			s.Unidentified++
		case Duplicate:
			s.Duplicates++
		case Accepted:
			s.Accepted++
		}
	}
	return s
}
