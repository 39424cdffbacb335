package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/outpacehq/engagement-engine/models"
)

func TestSubstituteKnownTokens(t *testing.T) {
	vars := map[string]string{"contact.name": "Ada", "lead.company_name": "Acme"}
	got := substitute("Hi {{contact.name}}, from {{lead.company_name}}!", vars)
	assert.Equal(t, "Hi Ada, from Acme!", got)
}

func TestSubstituteUnknownTokenRendersEmpty(t *testing.T) {
	got := substitute("Hello {{nonexistent.token}}.", map[string]string{})
	assert.Equal(t, "Hello .", got)
}

func TestSubstituteUnterminatedBracesPassThrough(t *testing.T) {
	got := substitute("Hello {{contact.name", map[string]string{"contact.name": "Ada"})
	assert.Equal(t, "Hello {{contact.name", got)
}

func TestRenderWithContact(t *testing.T) {
	tmpl := &models.Template{Subject: "Hi {{contact.name}}", Body: "From {{lead.company_name}}, unsubscribe: {{unsubscribe_link}}"}
	in := renderInputs{
		Contact:         &models.Contact{Name: "Grace", Email: null.StringFrom("g@example.com")},
		Lead:            &models.Lead{CompanyName: "Acme Corp"},
		UnsubscribeLink: "urn:engagement-engine:unsubscribe:1:2",
	}

	subject, body, err := render(tmpl, in)
	assert.NoError(t, err)
	assert.Equal(t, "Hi Grace", subject)
	assert.Equal(t, "From Acme Corp, unsubscribe: urn:engagement-engine:unsubscribe:1:2", body)
}

func TestRenderWithProspectFallsBackToDisplayName(t *testing.T) {
	tmpl := &models.Template{Subject: "", Body: "Hello {{contact.name}}"}
	in := renderInputs{
		Prospect: &models.Prospect{PlatformUserID: "12345"},
	}

	_, body, err := render(tmpl, in)
	assert.NoError(t, err)
	assert.Equal(t, "Hello 12345", body)
}

func TestSelectBodyNonAIUsesFixedBody(t *testing.T) {
	tmpl := &models.Template{UseAI: false, Subject: "fixed subject", Body: "fixed body"}
	subject, body, err := selectBody(tmpl)
	assert.NoError(t, err)
	assert.Equal(t, "fixed subject", subject)
	assert.Equal(t, "fixed body", body)
}

func TestSelectBodyAIWithNoVariationsFallsBack(t *testing.T) {
	tmpl := &models.Template{UseAI: true, Subject: "fixed subject", Body: "fixed body", Variations: nil}
	subject, body, err := selectBody(tmpl)
	assert.NoError(t, err)
	assert.Equal(t, "fixed subject", subject)
	assert.Equal(t, "fixed body", body)
}
