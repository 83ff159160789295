// Package notify renders price-drop alert emails and delivers them.
package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/seed-scraper/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// AlertData is everything a price-drop email shows one user
type AlertData struct {
	UserID     string             `json:"userId"`
	Email      string             `json:"email"`
	SellerID   string             `json:"sellerId"`
	SellerName string             `json:"sellerName"`
	Drops      []models.PriceDrop `json:"drops"`
}

// Message is a rendered email
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

const priceDropTemplate = `Good news! Prices dropped on {{ len .Drops }} {{ if eq (len .Drops) 1 }}item{{ else }}items{{ end }} you are watching at **{{ .SellerName }}**.

| Product | Pack | Was | Now | Saving |
|---|---|---|---|---|
{{- range .Drops }}
| [{{ .ProductName }}]({{ link .ProductURL }}) | {{ .PackSize }} | {{ price .OldPrice }} | **{{ price .NewPrice }}** | {{ percent .PercentOff }} |
{{- end }}

[View your wishlist]({{ wishlist }})
`

// Renderer turns alert data into a markdown body with an HTML alternative
type Renderer struct {
	tmpl *template.Template
	md   goldmark.Markdown
}

// NewRenderer creates a renderer. Relative product links resolve against baseURL.
func NewRenderer(baseURL string) (*Renderer, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	funcs := template.FuncMap{
		"price":   FormatCents,
		"percent": func(p float64) string { return fmt.Sprintf("%.0f%%", p) },
		"link": func(u string) string {
			if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
				return u
			}
			return baseURL + "/" + strings.TrimLeft(u, "/")
		},
		"wishlist": func() string { return baseURL + "/account/wishlist" },
	}

	tmpl, err := template.New("price-drop").Funcs(funcs).Parse(priceDropTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse email template: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithXHTML()),
	)

	return &Renderer{tmpl: tmpl, md: md}, nil
}

// RenderPriceDrop renders the alert email for one user
func (r *Renderer) RenderPriceDrop(data AlertData) (*Message, error) {
	if data.Email == "" {
		return nil, fmt.Errorf("user %s has no email address", data.UserID)
	}
	if len(data.Drops) == 0 {
		return nil, fmt.Errorf("no price drops for user %s", data.UserID)
	}

	var text bytes.Buffer
	if err := r.tmpl.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render email template: %w", err)
	}

	var body bytes.Buffer
	if err := r.md.Convert(text.Bytes(), &body); err != nil {
		return nil, fmt.Errorf("failed to convert email markdown: %w", err)
	}

	subject := fmt.Sprintf("Price drop at %s", data.SellerName)
	if len(data.Drops) == 1 {
		subject = fmt.Sprintf("Price drop: %s at %s", data.Drops[0].ProductName, data.SellerName)
	}

	return &Message{
		To:      data.Email,
		Subject: subject,
		Text:    text.String(),
		HTML:    wrapHTML(subject, body.String()),
	}, nil
}

// FormatCents formats an amount in cents as dollars
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func wrapHTML(title, body string) string {
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"/><title>` + template.HTMLEscapeString(title) + `</title>
<style>body{font-family:sans-serif;color:#222}table{border-collapse:collapse}td,th{border:1px solid #ddd;padding:6px 10px}</style>
</head><body>
` + body + `</body></html>`
}
