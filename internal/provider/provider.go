package provider

import (
	"fmt"
	"net/mail"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider is an AI vendor whose billing emails are tracked
type Provider struct {
	Name    string   `yaml:"name" json:"name"`
	Service string   `yaml:"service" json:"service"`
	Senders []string `yaml:"senders" json:"senders"`
}

// DefaultService is used when a provider has no service name configured
const DefaultService = "Serviço de IA"

// Defaults is the built-in sender table
var Defaults = []Provider{
	{Name: "OpenAI", Service: "API Usage", Senders: []string{"noreply@openai.com", "billing@openai.com"}},
	{Name: "Anthropic", Service: "Claude API", Senders: []string{"receipts@anthropic.com"}},
	{Name: "Cursor", Service: "Cursor Pro", Senders: []string{"billing@cursor.com"}},
	{Name: "Manus", Service: "Manus Platform", Senders: []string{"invoice+statements+acct_1R15XBHkfKp4fCS9@stripe.com"}},
	{Name: "N8N", Service: "N8N Cloud", Senders: []string{"help@paddle.com"}},
}

// Identifier maps sender addresses to providers by exact, case-insensitive
// match. Domains and substrings are never matched.
type Identifier struct {
	providers []Provider
	bySender  map[string]*Provider
}

// NewIdentifier builds an Identifier over the given table
func NewIdentifier(providers []Provider) *Identifier {
	id := &Identifier{
		providers: make([]Provider, len(providers)),
		bySender:  make(map[string]*Provider),
	}
	copy(id.providers, providers)
	for i := range id.providers {
		p := &id.providers[i]
		if p.Service == "" {
			p.Service = DefaultService
		}
		for _, s := range p.Senders {
			id.bySender[strings.ToLower(strings.TrimSpace(s))] = p
		}
	}
	return id
}

// NewDefaultIdentifier builds an Identifier over the built-in table
func NewDefaultIdentifier() *Identifier {
	return NewIdentifier(Defaults)
}

type tableFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadFile reads a YAML provider table. An empty path returns the defaults.
func LoadFile(path string) (*Identifier, error) {
	if path == "" {
		return NewDefaultIdentifier(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider table: %w", err)
	}

	var table tableFile
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing provider table: %w", err)
	}
	if len(table.Providers) == 0 {
		return nil, fmt.Errorf("provider table %s has no providers", path)
	}
	for _, p := range table.Providers {
		if p.Name == "" || len(p.Senders) == 0 {
			return nil, fmt.Errorf("provider table %s: every provider needs a name and at least one sender", path)
		}
	}

	return NewIdentifier(table.Providers), nil
}

// Identify returns the provider for sender, which may be a bare address or a
// "Name <address>" header value
func (i *Identifier) Identify(sender string) (*Provider, bool) {
	p, ok := i.bySender[Address(sender)]
	return p, ok
}

// Name returns the provider name for sender, or nil when unknown
func (i *Identifier) Name(sender string) *string {
	p, ok := i.Identify(sender)
	if !ok {
		return nil
	}
	name := p.Name
	return &name
}

// Providers returns the table sorted by provider name
func (i *Identifier) Providers() []Provider {
	out := make([]Provider, len(i.providers))
	copy(out, i.providers)
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Senders returns the known addresses for a provider name
func (i *Identifier) Senders(name string) []string {
	for _, p := range i.providers {
		if strings.EqualFold(p.Name, name) {
			return append([]string(nil), p.Senders...)
		}
	}
	return nil
}

// AllSenders returns every known address in table order
func (i *Identifier) AllSenders() []string {
	var senders []string
	for _, p := range i.providers {
		senders = append(senders, p.Senders...)
	}
	return senders
}

// Address reduces a From header value to a lowercase bare address
func Address(sender string) string {
	sender = strings.TrimSpace(sender)
	if addr, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(sender, "<>"))
}
