package render

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/pkg/dochash"
)

const DeterminismVersion = "lease-render-v1"

// LeaseTerms is the snapshot of lease data a document is rendered from. The
// ledger captures it at request-creation time so a later lease edit cannot
// change what a signer is shown.
type LeaseTerms struct {
	LeaseID       string `json:"lease_id"`
	PropertyLabel string `json:"property_label"`
	TenantName    string `json:"tenant_name"`
	LandlordName  string `json:"landlord_name"`
	StartDate     string `json:"start_date"` // YYYY-MM-DD
	EndDate       string `json:"end_date"`   // YYYY-MM-DD
	RentCents     int64  `json:"rent_cents"`
	BillingDay    int    `json:"billing_day"`
}

type AnchorKind string

const (
	AnchorSignature AnchorKind = "signature"
	AnchorInitials  AnchorKind = "initials"
)

// Anchor is a named placement marker embedded in the rendered text. Both the
// hosted provider's field mapping and native stamping key off these, so the
// same terms must always produce the same anchor list.
type Anchor struct {
	Kind    AnchorKind  `json:"kind"`
	Role    domain.Role `json:"role"`
	Seq     int         `json:"seq"`
	Marker  string      `json:"marker"`
	Section string      `json:"section"`
}

type Document struct {
	Text    string   `json:"text"`
	Anchors []Anchor `json:"anchors"`
}

func (d Document) Hash() string { return dochash.HashString(d.Text) }

func (t LeaseTerms) Validate() error {
	missing := []string{}
	if strings.TrimSpace(t.LeaseID) == "" {
		missing = append(missing, "lease_id")
	}
	if strings.TrimSpace(t.PropertyLabel) == "" {
		missing = append(missing, "property_label")
	}
	if strings.TrimSpace(t.TenantName) == "" {
		missing = append(missing, "tenant_name")
	}
	if strings.TrimSpace(t.LandlordName) == "" {
		missing = append(missing, "landlord_name")
	}
	if _, err := time.Parse("2006-01-02", t.StartDate); err != nil {
		missing = append(missing, "start_date")
	}
	if _, err := time.Parse("2006-01-02", t.EndDate); err != nil {
		missing = append(missing, "end_date")
	}
	if t.RentCents <= 0 {
		missing = append(missing, "rent_cents")
	}
	if t.BillingDay < 1 || t.BillingDay > 28 {
		missing = append(missing, "billing_day")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid fields: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

func SigMarker(role domain.Role) string { return fmt.Sprintf("[[sig:%s]]", role) }

func initMarker(role domain.Role, seq int) string { return fmt.Sprintf("[[init:%s:%d]]", role, seq) }

// Render produces the canonical lease document. Pure and deterministic: no
// clock, no storage, no network.
func Render(t LeaseTerms) (Document, error) {
	if err := t.Validate(); err != nil {
		return Document{}, err
	}

	sections := []struct {
		title string
		body  string
	}{
		{"1. Parties and Premises", fmt.Sprintf("This residential lease is made between %s (Landlord) and %s (Tenant) for the premises at %s.", t.LandlordName, t.TenantName, t.PropertyLabel)},
		{"2. Term", fmt.Sprintf("The lease term begins on %s and ends on %s.", t.StartDate, t.EndDate)},
		{"3. Rent", fmt.Sprintf("Tenant shall pay rent of %s per month, due on day %d of each month.", formatMoney(t.RentCents), t.BillingDay)},
	}

	var b strings.Builder
	var anchors []Anchor

	b.WriteString("RESIDENTIAL LEASE AGREEMENT\n")
	b.WriteString("Lease: " + t.LeaseID + "\n\n")

	for i, sec := range sections {
		b.WriteString(sec.title + "\n")
		b.WriteString(sec.body + "\n")
		for _, role := range []domain.Role{domain.RoleTenant, domain.RoleLandlord} {
			m := initMarker(role, i+1)
			anchors = append(anchors, Anchor{Kind: AnchorInitials, Role: role, Seq: i + 1, Marker: m, Section: sec.title})
			b.WriteString(m + " ")
		}
		b.WriteString("\n\n")
	}

	b.WriteString("Executed by the parties:\n\n")
	for _, role := range []domain.Role{domain.RoleTenant, domain.RoleLandlord} {
		m := SigMarker(role)
		anchors = append(anchors, Anchor{Kind: AnchorSignature, Role: role, Seq: 0, Marker: m, Section: "Execution"})
		b.WriteString(roleTitle(role) + ": " + m + "\n")
	}

	return Document{Text: NormalizeText(b.String()), Anchors: anchors}, nil
}

// NormalizeText folds line endings, strips trailing whitespace per line, and
// guarantees a single trailing newline so hashing is stable across platforms.
func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

// ToHTML renders document text for the signing page. Anchor markers survive
// escaping so the stamper can still locate them.
func ToHTML(text string) string {
	trimmed := strings.TrimSuffix(text, "\n")
	if strings.TrimSpace(trimmed) == "" {
		return "<p></p>\n"
	}
	paragraphs := strings.Split(trimmed, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		escaped := html.EscapeString(p)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		out = append(out, "<p>"+escaped+"</p>")
	}
	return strings.Join(out, "\n") + "\n"
}

func roleTitle(r domain.Role) string {
	if r == domain.RoleLandlord {
		return "Landlord"
	}
	return "Tenant"
}

func formatMoney(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
