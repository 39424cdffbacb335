package campaign

import (
	"math/rand"
	"strings"
	"time"

	"github.com/outpacehq/engagement-engine/models"
)

// renderContext is the fixed variable table spec.md §4.E step 6 enumerates.
// Deliberately NOT a text/template data context: the spec's REDESIGN FLAGS
// reject "dynamic template variable resolution via a regex over the whole
// context" in favor of "an explicit variable table... and a linear
// scanner" where unknown tokens render empty rather than erroring. Go's
// text/template (the teacher's own choice for listmonk campaign bodies,
// internal/manager/manager.go's TemplateFuncs/sprig) would instead fail to
// parse a reference to a field outside this struct, so it is the wrong tool
// for exactly the behavior the flag asks for — this is a closed token
// replacer, not a general templating engine.
type renderContext struct {
	ContactName     string
	ContactEmail    string
	ContactPhone    string
	ContactPosition string
	LeadCompanyName string
	LeadWebsite     string
	LeadIndustry    string
	CurrentDate     string
	UnsubscribeLink string
	SenderName      string
	SenderEmail     string
	SenderPhone     string
}

// tokens maps each recognised `{{...}}` placeholder to the renderContext
// field supplying its value. Keys must match spec.md §4.E step 6 exactly.
func (c renderContext) tokens() map[string]string {
	return map[string]string{
		"contact.name":     c.ContactName,
		"contact.email":    c.ContactEmail,
		"contact.phone":    c.ContactPhone,
		"contact.position": c.ContactPosition,
		"lead.company_name": c.LeadCompanyName,
		"lead.website":     c.LeadWebsite,
		"lead.industry":    c.LeadIndustry,
		"current_date":     c.CurrentDate,
		"unsubscribe_link": c.UnsubscribeLink,
		"sender.name":      c.SenderName,
		"sender.email":     c.SenderEmail,
		"sender.phone":     c.SenderPhone,
	}
}

// substitute scans text for `{{token}}` placeholders and replaces each with
// its looked-up value, or the empty string if the token is not in the fixed
// table (spec.md: "Template variable missing from context renders to empty
// string, not literal `{{…}}`"). Malformed/unterminated `{{` is copied
// through verbatim.
func substitute(text string, vars map[string]string) string {
	var out strings.Builder
	out.Grow(len(text))

	rest := text
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])

		after := rest[start+2:]
		end := strings.Index(after, "}}")
		if end < 0 {
			out.WriteString(rest[start:])
			break
		}

		token := strings.TrimSpace(after[:end])
		out.WriteString(vars[token]) // zero value ("") for unknown tokens
		rest = after[end+2:]
	}
	return out.String()
}

var variationRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// selectBody picks a Template's body: for AI-backed templates, one
// variation chosen uniformly at random (spec.md §3); otherwise the
// template's own fixed body. subject follows the same variation when the
// variation carries one, else falls back to the template's own subject.
func selectBody(t *models.Template) (subject, body string, err error) {
	if !t.UseAI {
		return t.Subject, t.Body, nil
	}
	variations, err := t.DecodeVariations()
	if err != nil {
		return "", "", err
	}
	if len(variations) == 0 {
		return t.Subject, t.Body, nil
	}
	v := variations[variationRand.Intn(len(variations))]
	subject = v.Subject
	if subject == "" {
		subject = t.Subject
	}
	return subject, v.Body, nil
}

// renderInputs is everything render needs to build the variable table for
// one recipient's current step. Lead/Contact/Prospect are nil-able since a
// prospect recipient never resolves to a Lead/Contact pair.
type renderInputs struct {
	Lead     *models.Lead
	Contact  *models.Contact
	Prospect *models.Prospect
	Settings models.ChannelSettings
	UnsubscribeLink string
}

// render produces the final subject/body for a CAMPAIGN_STEP dispatch,
// spec.md §4.E step 6.
func render(t *models.Template, in renderInputs) (subject, body string, err error) {
	subject, body, err = selectBody(t)
	if err != nil {
		return "", "", err
	}

	ctx := renderContext{
		CurrentDate:     time.Now().Format("2006-01-02"),
		UnsubscribeLink: in.UnsubscribeLink,
		SenderName:      in.Settings.FromName,
		SenderEmail:     in.Settings.FromEmail,
		SenderPhone:     in.Settings.FromPhone,
	}
	if in.Contact != nil {
		ctx.ContactName = in.Contact.Name
		ctx.ContactEmail = in.Contact.Email.String
		ctx.ContactPhone = in.Contact.Phone.String
		ctx.ContactPosition = in.Contact.Position.String
	} else if in.Prospect != nil {
		ctx.ContactName = in.Prospect.DisplayNameOrID()
		ctx.ContactPhone = in.Prospect.Phone.String
	}
	if in.Lead != nil {
		ctx.LeadCompanyName = in.Lead.CompanyName
		ctx.LeadWebsite = in.Lead.Website.String
		ctx.LeadIndustry = in.Lead.Industry.String
	}

	vars := ctx.tokens()
	return substitute(subject, vars), substitute(body, vars), nil
}
