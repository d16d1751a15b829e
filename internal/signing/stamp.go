package signing

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/render"
)

// Capture is everything recorded about the signer at submission time.
type Capture struct {
	RequestID  string
	SignerName string
	Email      string
	IP         string
	UserAgent  string
	SignedAt   time.Time
}

// Stamp places the signature image and capture context at the role's anchors
// and appends the audit page. Deterministic: the same inputs always produce
// the same bytes. Anchors belonging to the other role are left in place.
func Stamp(doc render.Document, role domain.Role, signaturePNG []byte, c Capture) (stamped []byte, satisfied []string, err error) {
	if len(signaturePNG) == 0 {
		return nil, nil, fmt.Errorf("%w: empty signature image", domain.ErrValidation)
	}

	body := render.ToHTML(doc.Text)

	ts := c.SignedAt.UTC().Format(time.RFC3339)
	sigBlock := fmt.Sprintf(
		`<span class="signature"><img alt="signature" src="data:image/png;base64,%s"><br>%s &lt;%s&gt; — signed %s UTC from %s</span>`,
		base64.StdEncoding.EncodeToString(signaturePNG),
		html.EscapeString(c.SignerName), html.EscapeString(c.Email), ts, html.EscapeString(c.IP),
	)
	initBlock := fmt.Sprintf(`<span class="initials">%s</span>`, html.EscapeString(initialsOf(c.SignerName)))

	var placed []render.Anchor
	for _, a := range doc.Anchors {
		if a.Role != role {
			continue
		}
		marker := html.EscapeString(a.Marker)
		if !strings.Contains(body, marker) {
			return nil, nil, fmt.Errorf("%w: anchor %s missing from rendered document", domain.ErrValidation, a.Marker)
		}
		switch a.Kind {
		case render.AnchorSignature:
			body = strings.Replace(body, marker, sigBlock, 1)
		case render.AnchorInitials:
			body = strings.Replace(body, marker, initBlock, 1)
		}
		placed = append(placed, a)
		satisfied = append(satisfied, a.Marker)
	}

	var b strings.Builder
	b.WriteString("<!doctype html>\n<html><body>\n")
	b.WriteString(body)
	b.WriteString(auditPage(role, c, placed, doc.Hash()))
	b.WriteString("</body></html>\n")
	return []byte(b.String()), satisfied, nil
}

// auditPage is appended after the document body as a separate tamper-evident
// section listing the full capture context. Satisfied anchors are described,
// not re-embedded as markers; the final artifact must not contain the raw
// marker text for anything that was stamped.
func auditPage(role domain.Role, c Capture, placed []render.Anchor, renderedHash string) string {
	descriptions := make([]string, 0, len(placed))
	for _, a := range placed {
		descriptions = append(descriptions, describeAnchor(a))
	}

	var b strings.Builder
	b.WriteString(`<hr><section class="audit-page">` + "\n")
	b.WriteString("<h2>Signature Audit Record</h2>\n<ul>\n")
	rows := []struct{ k, v string }{
		{"Signature request", c.RequestID},
		{"Role", string(role)},
		{"Signer", c.SignerName},
		{"Email", c.Email},
		{"Signed at (UTC)", c.SignedAt.UTC().Format(time.RFC3339)},
		{"IP address", c.IP},
		{"User agent", c.UserAgent},
		{"Document SHA-256 before stamping", renderedHash},
		{"Anchors satisfied", strings.Join(descriptions, ", ")},
	}
	for _, r := range rows {
		b.WriteString("<li>" + html.EscapeString(r.k) + ": " + html.EscapeString(r.v) + "</li>\n")
	}
	b.WriteString("</ul>\n</section>\n")
	return b.String()
}

func describeAnchor(a render.Anchor) string {
	if a.Kind == render.AnchorInitials {
		return fmt.Sprintf("%s %s, section %d", a.Role, a.Kind, a.Seq)
	}
	return fmt.Sprintf("%s %s", a.Role, a.Kind)
}

func initialsOf(name string) string {
	var out []rune
	for _, part := range strings.Fields(name) {
		r := []rune(part)
		if len(r) > 0 {
			out = append(out, r[0])
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return strings.ToUpper(string(out))
}
