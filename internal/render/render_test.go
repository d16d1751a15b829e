package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/vegaswarrior/leasesign/internal/domain"
)

func validTerms() LeaseTerms {
	return LeaseTerms{
		LeaseID:       "lse_1",
		PropertyLabel: "12 Main St, Unit 4",
		TenantName:    "Tess Tenant",
		LandlordName:  "Lana Landlord",
		StartDate:     "2026-09-01",
		EndDate:       "2027-08-31",
		RentCents:     185000,
		BillingDay:    1,
	}
}

func TestRenderDeterministic(t *testing.T) {
	a, err := Render(validTerms())
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	b, err := Render(validTerms())
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if a.Text != b.Text {
		t.Fatalf("expected identical text for identical terms")
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected identical hash for identical terms")
	}
	if len(a.Anchors) != len(b.Anchors) {
		t.Fatalf("anchor layout not deterministic")
	}
	for i := range a.Anchors {
		if a.Anchors[i] != b.Anchors[i] {
			t.Fatalf("anchor %d differs: %#v vs %#v", i, a.Anchors[i], b.Anchors[i])
		}
	}
}

func TestRenderOneSignatureAnchorPerRole(t *testing.T) {
	doc, err := Render(validTerms())
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	count := map[domain.Role]int{}
	for _, a := range doc.Anchors {
		if a.Kind == AnchorSignature {
			count[a.Role]++
		}
		if !strings.Contains(doc.Text, a.Marker) {
			t.Fatalf("anchor %s not present in text", a.Marker)
		}
	}
	if count[domain.RoleTenant] != 1 || count[domain.RoleLandlord] != 1 {
		t.Fatalf("expected exactly one signature anchor per role, got %v", count)
	}
}

func TestRenderMissingFieldFailsValidation(t *testing.T) {
	terms := validTerms()
	terms.TenantName = ""
	_, err := Render(terms)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "tenant_name") {
		t.Fatalf("expected field name in error, got %v", err)
	}
}

func TestRenderRejectsBadBillingDay(t *testing.T) {
	terms := validTerms()
	terms.BillingDay = 31
	if _, err := Render(terms); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for billing day 31, got %v", err)
	}
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("a \r\nb\t\r\n\n\n")
	if got != "a\nb\n" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestToHTMLEscapes(t *testing.T) {
	got := ToHTML("rent < deposit & fees\n")
	if !strings.Contains(got, "rent &lt; deposit &amp; fees") {
		t.Fatalf("expected escaped html, got %q", got)
	}
}

func TestRenderContainsTerms(t *testing.T) {
	doc, err := Render(validTerms())
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	for _, want := range []string{"Tess Tenant", "Lana Landlord", "12 Main St, Unit 4", "$1850.00", "2026-09-01"} {
		if !strings.Contains(doc.Text, want) {
			t.Fatalf("rendered document missing %q", want)
		}
	}
}
