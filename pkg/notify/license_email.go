package notify

import (
	"bytes"
	"context"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// IssuedLicense pairs a product with the key minted for it
type IssuedLicense struct {
	ProductID  string
	LicenseKey string
}

// LicenseNotice is the purchaser-facing confirmation of a one-time checkout
type LicenseNotice struct {
	Email         string
	SessionID     string
	Licenses      []IssuedLicense
	ActivationURL string
}

const licenseSubject = "Your license keys"

var htmlLicenseTmpl = template.Must(template.New("license.html").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>Thank you for your purchase</h2>
<p>Here are your license keys:</p>
<ul>
{{- range .Licenses}}
<li><strong>{{.ProductID}}</strong>: <code>{{.LicenseKey}}</code></li>
{{- end}}
</ul>
<p><a href="{{.ActivationURL}}">Activate your licenses</a></p>
<p style="color:#666;font-size:12px">Keep this email; the keys are required to reinstall.</p>
</body></html>
`))

var textLicenseTmpl = texttemplate.Must(texttemplate.New("license.txt").Parse(`Thank you for your purchase.

Your license keys:
{{range .Licenses}}  {{.ProductID}}: {{.LicenseKey}}
{{end}}
Activate your licenses: {{.ActivationURL}}
`))

// LicenseMessage renders the license email for n
func LicenseMessage(n LicenseNotice) (Message, error) {
	var html, text bytes.Buffer
	if err := htmlLicenseTmpl.Execute(&html, n); err != nil {
		return Message{}, err
	}
	if err := textLicenseTmpl.Execute(&text, n); err != nil {
		return Message{}, err
	}
	return Message{
		To:      n.Email,
		Subject: licenseSubject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

// DeliverLicenses emails the notice when the purchaser address is known.
// When no sender succeeds the keys and activation URL are logged so they can
// be recovered manually. It never fails the caller.
func (d *Dispatcher) DeliverLicenses(ctx context.Context, n LicenseNotice) bool {
	if strings.TrimSpace(n.Email) == "" {
		d.logger.Warn("no purchaser email; license email not sent", d.recoveryFields(n)...)
		return false
	}

	msg, err := LicenseMessage(n)
	if err == nil {
		var sender string
		sender, err = d.Send(ctx, msg)
		if err == nil {
			d.logger.Info("license email sent",
				billing.Field{Key: "sender", Value: sender},
				billing.Field{Key: "session_id", Value: n.SessionID},
			)
			return true
		}
	}

	fields := append(d.recoveryFields(n), billing.Err(err))
	d.logger.Error("license email not delivered; manual recovery required", fields...)
	return false
}

func (d *Dispatcher) recoveryFields(n LicenseNotice) []billing.Field {
	keys := make([]string, 0, len(n.Licenses))
	for _, l := range n.Licenses {
		keys = append(keys, l.ProductID+"="+l.LicenseKey)
	}
	return []billing.Field{
		{Key: "session_id", Value: n.SessionID},
		{Key: "email", Value: n.Email},
		{Key: "license_keys", Value: strings.Join(keys, ",")},
		{Key: "activation_url", Value: n.ActivationURL},
	}
}
