package review

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/clawreview/trust-engine/internal/domain"
)

// Field limits shared by the paper, review and comment schemas.
const (
	MinTitleLen         = 10
	MaxTitleLen         = 300
	MinAbstractLen      = 80
	MaxAbstractLen      = 5000
	MinManuscriptLen    = 1500
	MaxManuscriptLen    = 120000
	MinSectionBodyLen   = 120
	MaxSummaryLen       = 10000
	MinCommentLen       = 200
	MaxCommentLen       = 100000
	MinManifestHashLen  = 16
	MaxReasonCodeLen    = 100
	MaxReasonTextLen    = 1000
	MaxReferenceLabel   = 200
	MaxSourceRefLen     = 200
	MaxFindingTitleLen  = 200
	MaxFindingDetailLen = 5000
)

// RequiredSections are the manuscript headings every paper must carry.
var RequiredSections = []string{
	"Introduction",
	"Literature Review",
	"Problem Statement",
	"Method",
	"Evaluation",
	"Conclusion",
}

var validClaimTypes = map[string]bool{
	"theory":    true,
	"empirical": true,
	"system":    true,
	"dataset":   true,
	"benchmark": true,
	"survey":    true,
	"opinion":   true,
}

var codeClaimTypes = map[string]bool{
	"empirical": true,
	"system":    true,
	"dataset":   true,
	"benchmark": true,
}

var validRecommendations = map[domain.Recommendation]bool{
	domain.RecommendAccept:     true,
	domain.RecommendWeakAccept: true,
	domain.RecommendBorderline: true,
	domain.RecommendWeakReject: true,
	domain.RecommendReject:     true,
}

var validRoles = map[domain.ReviewRole]bool{
	domain.RoleNovelty:     true,
	domain.RoleMethod:      true,
	domain.RoleEvidence:    true,
	domain.RoleLiterature:  true,
	domain.RoleAdversarial: true,
	domain.RoleCode:        true,
}

var validSeverities = map[string]bool{
	"critical": true,
	"major":    true,
	"minor":    true,
}

var validFindingStatuses = map[string]bool{
	"open":     true,
	"resolved": true,
}

// CodeRequired reports whether any claim type obliges the paper to link source code.
func CodeRequired(claimTypes []string) bool {
	for _, c := range claimTypes {
		if codeClaimTypes[c] {
			return true
		}
	}
	return false
}

// ValidRole reports whether r is one of the review roles.
func ValidRole(r domain.ReviewRole) bool { return validRoles[r] }

// ManuscriptInput is the submitted manuscript body.
type ManuscriptInput struct {
	Format string `json:"format"`
	Source string `json:"source"`
}

// PaperInput is the payload of a paper or version submission.
type PaperInput struct {
	Title         string             `json:"title"`
	Abstract      string             `json:"abstract"`
	Domains       []string           `json:"domains"`
	Keywords      []string           `json:"keywords"`
	ClaimTypes    []string           `json:"claim_types"`
	Language      string             `json:"language"`
	References    []domain.Reference `json:"references"`
	SourceRepoURL string             `json:"source_repo_url"`
	SourceRef     string             `json:"source_ref"`
	Manuscript    ManuscriptInput    `json:"manuscript"`
}

// Validate normalizes the input in place and returns every violation.
func (in *PaperInput) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Abstract = strings.TrimSpace(in.Abstract)
	in.SourceRepoURL = strings.TrimSpace(in.SourceRepoURL)
	in.SourceRef = strings.TrimSpace(in.SourceRef)
	if in.Language == "" {
		in.Language = "en"
	}
	if in.Manuscript.Format == "" {
		in.Manuscript.Format = "markdown"
	}

	v := domain.NewValidationError("paper payload is invalid")
	checkLen(v, "title", in.Title, MinTitleLen, MaxTitleLen)
	checkLen(v, "abstract", in.Abstract, MinAbstractLen, MaxAbstractLen)
	checkNonEmpty(v, "domains", in.Domains)
	checkNonEmpty(v, "keywords", in.Keywords)
	checkNonEmpty(v, "claim_types", in.ClaimTypes)
	for i, c := range in.ClaimTypes {
		if !validClaimTypes[c] {
			v.Add("claim_types["+strconv.Itoa(i)+"]", "enum",
				"theory|empirical|system|dataset|benchmark|survey|opinion", c, "unknown claim type")
		}
	}
	if in.Language != "en" {
		v.Add("language", "enum", "en", in.Language, "only English papers are accepted")
	}
	for i, ref := range in.References {
		field := "references[" + strconv.Itoa(i) + "]"
		checkLen(v, field+".label", strings.TrimSpace(ref.Label), 1, MaxReferenceLabel)
		if !isURL(ref.URL) {
			v.Add(field+".url", "url", "absolute URL", ref.URL, "reference url is not a valid URL")
		}
	}
	if in.SourceRepoURL != "" && !isURL(in.SourceRepoURL) {
		v.Add("source_repo_url", "url", "absolute URL", in.SourceRepoURL, "source_repo_url is not a valid URL")
	}
	if in.SourceRef != "" {
		checkLen(v, "source_ref", in.SourceRef, 1, MaxSourceRefLen)
	}
	if CodeRequired(in.ClaimTypes) {
		if in.SourceRepoURL == "" {
			v.Add("source_repo_url", "required", "URL", "", "source_repo_url is required for code-bearing claim types")
		}
		if in.SourceRef == "" {
			v.Add("source_ref", "required", "git ref", "", "source_ref is required for code-bearing claim types")
		}
	}

	if in.Manuscript.Format != "markdown" {
		v.Add("manuscript.format", "enum", "markdown", in.Manuscript.Format, "manuscript must be markdown")
	}
	checkLen(v, "manuscript.source", in.Manuscript.Source, MinManuscriptLen, MaxManuscriptLen)
	for _, heading := range RequiredSections {
		n, ok := SectionBodyLength(in.Manuscript.Source, heading)
		field := "manuscript.sections." + heading
		switch {
		case !ok:
			v.Add(field, "required", "section heading", "", "missing section "+heading)
		case n < MinSectionBodyLen:
			v.Add(field, "min_length", strconv.Itoa(MinSectionBodyLen), strconv.Itoa(n),
				"section "+heading+" is too short")
		}
	}
	return v.Err()
}

var (
	nextHeading = regexp.MustCompile(`\n#{1,6}\s+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// SectionBodyLength finds a markdown heading (optionally numbered, any level)
// and returns the whitespace-collapsed length of its body. The body runs up to
// the next heading.
func SectionBodyLength(source, heading string) (int, bool) {
	re := regexp.MustCompile(`(?i)(^|\n)#{1,6}\s*(?:\d+\.?\s*)?` + regexp.QuoteMeta(heading) + `\s*(?:\n|$)`)
	loc := re.FindStringIndex(source)
	if loc == nil {
		return 0, false
	}
	rest := source[loc[1]:]
	if end := nextHeading.FindStringIndex("\n" + rest); end != nil {
		cut := end[0] - 1
		if cut < 0 {
			cut = 0
		}
		rest = rest[:cut]
	}
	body := strings.TrimSpace(whitespace.ReplaceAllString(rest, " "))
	return utf8.RuneCountInString(body), true
}

// ReviewInput is the payload of a structured review.
type ReviewInput struct {
	PaperVersionID     string                `json:"paper_version_id"`
	AssignmentID       string                `json:"assignment_id"`
	Role               domain.ReviewRole     `json:"role"`
	GuidelineVersionID string                `json:"guideline_version_id"`
	Recommendation     domain.Recommendation `json:"recommendation"`
	Scores             map[string]float64    `json:"scores"`
	Summary            string                `json:"summary"`
	Strengths          []string              `json:"strengths"`
	Weaknesses         []string              `json:"weaknesses"`
	Questions          []string              `json:"questions"`
	Findings           []domain.Finding      `json:"findings"`
	SkillManifestHash  string                `json:"skill_manifest_hash"`
}

// Validate returns every violation of the review schema.
func (in *ReviewInput) Validate() error {
	in.Summary = strings.TrimSpace(in.Summary)
	v := domain.NewValidationError("review payload is invalid")
	if in.PaperVersionID == "" {
		v.Add("paper_version_id", "required", "id", "", "paper_version_id is required")
	}
	if !validRoles[in.Role] {
		v.Add("role", "enum", "novelty|method|evidence|literature|adversarial|code", string(in.Role), "unknown review role")
	}
	if strings.TrimSpace(in.GuidelineVersionID) == "" {
		v.Add("guideline_version_id", "required", "id", "", "guideline_version_id is required")
	}
	if !validRecommendations[in.Recommendation] {
		v.Add("recommendation", "enum", "accept|weak_accept|borderline|weak_reject|reject",
			string(in.Recommendation), "unknown recommendation")
	}
	checkLen(v, "summary", in.Summary, 1, MaxSummaryLen)
	for i, f := range in.Findings {
		field := "findings[" + strconv.Itoa(i) + "]"
		if !validSeverities[f.Severity] {
			v.Add(field+".severity", "enum", "critical|major|minor", f.Severity, "unknown severity")
		}
		if !validFindingStatuses[f.Status] {
			v.Add(field+".status", "enum", "open|resolved", f.Status, "unknown finding status")
		}
		checkLen(v, field+".title", f.Title, 1, MaxFindingTitleLen)
		checkLen(v, field+".detail", f.Detail, 1, MaxFindingDetailLen)
	}
	if utf8.RuneCountInString(in.SkillManifestHash) < MinManifestHashLen {
		v.Add("skill_manifest_hash", "min_length", strconv.Itoa(MinManifestHashLen),
			strconv.Itoa(utf8.RuneCountInString(in.SkillManifestHash)), "skill_manifest_hash is too short")
	}
	return v.Err()
}

// CommentInput is the payload of a comment-vote.
type CommentInput struct {
	PaperVersionID string                `json:"paper_version_id,omitempty"`
	BodyMarkdown   string                `json:"body_markdown"`
	Recommendation domain.Recommendation `json:"recommendation"`
}

// Validate trims the body and returns every violation.
func (in *CommentInput) Validate() error {
	in.BodyMarkdown = strings.TrimSpace(in.BodyMarkdown)
	v := domain.NewValidationError("comment payload is invalid")
	checkLen(v, "body_markdown", in.BodyMarkdown, MinCommentLen, MaxCommentLen)
	if in.Recommendation != domain.RecommendAccept && in.Recommendation != domain.RecommendReject {
		v.Add("recommendation", "enum", "accept|reject", string(in.Recommendation), "comment votes are accept or reject")
	}
	return v.Err()
}

// ValidateOperatorReason checks the body every operator action carries.
func ValidateOperatorReason(r *domain.OperatorReason) error {
	r.Code = strings.TrimSpace(r.Code)
	r.Text = strings.TrimSpace(r.Text)
	v := domain.NewValidationError("operator reason is invalid")
	checkLen(v, "reason_code", r.Code, 1, MaxReasonCodeLen)
	checkLen(v, "reason_text", r.Text, 1, MaxReasonTextLen)
	return v.Err()
}

func checkLen(v *domain.ValidationError, field, s string, lo, hi int) {
	n := utf8.RuneCountInString(s)
	switch {
	case n < lo:
		v.Add(field, "min_length", strconv.Itoa(lo), strconv.Itoa(n), field+" is too short")
	case n > hi:
		v.Add(field, "max_length", strconv.Itoa(hi), strconv.Itoa(n), field+" is too long")
	}
}

func checkNonEmpty(v *domain.ValidationError, field string, items []string) {
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			return
		}
	}
	v.Add(field, "min_items", "1", strconv.Itoa(len(items)), field+" needs at least one entry")
}

func isURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
