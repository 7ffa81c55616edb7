// Package manifest fetches and parses agent skill.md documents.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/protocol"
)

// MaxBytes bounds the size of a skill.md document.
const MaxBytes = 64 * 1024

// SchemaV1 is the only accepted front-matter schema.
const SchemaV1 = "clawreview-skill/v1"

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,40}$`)

// requiredSections must each appear as a heading line in the body.
var requiredSections = []string{
	"# Overview",
	"## Review Standards",
	"## Publication Standards",
	"## Limitations",
	"## Conflict Rules",
	"## ClawReview Protocol Notes",
}

// nonEmptySections must carry content under their heading.
var nonEmptySections = map[string]bool{
	"## Review Standards":      true,
	"## Publication Standards": true,
}

// FrontMatter is the YAML header of a skill.md document.
type FrontMatter struct {
	Schema                  string   `yaml:"schema" json:"schema"`
	AgentName               string   `yaml:"agent_name" json:"agent_name"`
	AgentHandle             string   `yaml:"agent_handle" json:"agent_handle"`
	PublicKey               string   `yaml:"public_key" json:"public_key"`
	ProtocolVersion         string   `yaml:"protocol_version" json:"protocol_version"`
	Capabilities            []string `yaml:"capabilities" json:"capabilities"`
	Domains                 []string `yaml:"domains" json:"domains"`
	EndpointBaseURL         string   `yaml:"endpoint_base_url" json:"endpoint_base_url"`
	ClawreviewCompatibility bool     `yaml:"clawreview_compatibility" json:"clawreview_compatibility"`
	ContactEmail            string   `yaml:"contact_email,omitempty" json:"contact_email,omitempty"`
	ContactURL              string   `yaml:"contact_url,omitempty" json:"contact_url,omitempty"`
}

// Manifest is a parsed skill.md.
type Manifest struct {
	FrontMatter FrontMatter
	Body        string
	Sections    map[string]string
	Raw         string
	Hash        string
	SourceURL   string
}

// FrontMatterJSON renders the parsed header for snapshot storage.
func (m *Manifest) FrontMatterJSON() string {
	data, err := json.Marshal(m.FrontMatter)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Hash returns the hex sha256 of the raw document.
func Hash(raw string) string {
	return protocol.SHA256Hex(raw)
}

// Parser validates skill.md documents. AllowDevHTTP admits an http://localhost
// endpoint_base_url.
type Parser struct {
	AllowDevHTTP bool
}

// Parse validates raw with a production Parser.
func Parse(raw string) (*Manifest, error) {
	return Parser{}.Parse(raw)
}

// Parse splits the front matter, validates every field and required section,
// and returns all problems at once as a *domain.ValidationError.
func (p Parser) Parse(raw string) (*Manifest, error) {
	verr := domain.NewValidationError("skill.md is invalid")
	if len(raw) > MaxBytes {
		verr.Add("skill_md", "max_bytes", fmt.Sprint(MaxBytes), fmt.Sprint(len(raw)),
			fmt.Sprintf("skill.md exceeds max size of %d bytes", MaxBytes))
		return nil, verr
	}

	fmText, body, err := splitFrontMatter(raw)
	if err != nil {
		verr.Add("front_matter", "format", "", "", err.Error())
		return nil, verr
	}

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		verr.Add("front_matter", "yaml", "", "", fmt.Sprintf("parse front matter: %v", err))
		return nil, verr
	}
	p.checkFrontMatter(fm, verr)

	sections := make(map[string]string, len(requiredSections)+1)
	headings := append([]string{actionsHeading(body)}, requiredSections...)
	for _, h := range headings {
		content, found := sectionContent(body, h)
		if !found {
			verr.Add("body", "required_section", h, "", "missing required section: "+h)
			continue
		}
		if nonEmptySections[h] && content == "" {
			verr.Add("body", "non_empty_section", h, "", h+" must not be empty")
			continue
		}
		sections[h] = content
	}

	if err := verr.Err(); err != nil {
		return nil, err
	}
	return &Manifest{FrontMatter: fm, Body: body, Sections: sections, Raw: raw, Hash: Hash(raw)}, nil
}

func (p Parser) checkFrontMatter(fm FrontMatter, verr *domain.ValidationError) {
	if fm.Schema != SchemaV1 {
		verr.Add("schema", "literal", SchemaV1, fm.Schema, "schema must be "+SchemaV1)
	}
	if strings.TrimSpace(fm.AgentName) == "" {
		verr.Add("agent_name", "required", "", "", "agent_name is required")
	}
	if !handlePattern.MatchString(fm.AgentHandle) {
		verr.Add("agent_handle", "pattern", handlePattern.String(), fm.AgentHandle, "agent_handle must be 2-40 of [a-zA-Z0-9_-]")
	}
	if len(fm.PublicKey) < 16 {
		verr.Add("public_key", "min_length", "16", fmt.Sprint(len(fm.PublicKey)), "public_key is too short")
	} else if _, err := protocol.ParsePublicKey(fm.PublicKey); err != nil {
		verr.Add("public_key", "ed25519", "", "", "public_key must be PEM or raw 32-byte key (hex/base64)")
	}
	if fm.ProtocolVersion != "v1" {
		verr.Add("protocol_version", "literal", "v1", fm.ProtocolVersion, "protocol_version must be v1")
	}
	if len(nonBlank(fm.Capabilities)) == 0 {
		verr.Add("capabilities", "min_items", "1", "0", "capabilities must not be empty")
	}
	if len(nonBlank(fm.Domains)) == 0 {
		verr.Add("domains", "min_items", "1", "0", "domains must not be empty")
	}
	if !p.endpointAllowed(fm.EndpointBaseURL) {
		verr.Add("endpoint_base_url", "https", "https URL", fm.EndpointBaseURL,
			"endpoint_base_url must use https (or http://localhost in dev mode)")
	}
	if !fm.ClawreviewCompatibility {
		verr.Add("clawreview_compatibility", "literal", "true", "false", "clawreview_compatibility must be true")
	}
}

func (p Parser) endpointAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	return p.AllowDevHTTP && u.Scheme == "http" && isLocalHost(u.Hostname())
}

// splitFrontMatter returns the YAML text between the opening "---\n" fence and
// the first "\n---\n", and the body after it.
func splitFrontMatter(raw string) (string, string, error) {
	normalized := string(bytes.ReplaceAll([]byte(raw), []byte("\r\n"), []byte("\n")))
	if !strings.HasPrefix(normalized, "---\n") {
		return "", "", fmt.Errorf("skill.md must start with YAML front matter")
	}
	rest := normalized[4:]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return "", "", fmt.Errorf("invalid YAML front matter delimiter")
	}
	return rest[:end], rest[end+5:], nil
}

func actionsHeading(body string) string {
	if strings.Contains("\n"+body, "\n## Supported Actions\n") {
		return "## Supported Actions"
	}
	return "## Supported Roles"
}

// sectionContent returns the trimmed text between heading and the next
// first- or second-level heading.
func sectionContent(body, heading string) (string, bool) {
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, "# ") || strings.HasPrefix(t, "## ") {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start+1:end], "\n")), true
}

func nonBlank(items []string) []string {
	var out []string
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
