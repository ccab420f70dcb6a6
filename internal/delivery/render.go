package delivery

import (
	"fmt"
	"regexp"
	"strings"

	"campaign-scheduler/internal/models"
)

// Rendered is the final message content for one recipient.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{ key }} placeholders in the template's subject and
// bodies and injects the open-tracking pixel. Placeholders with no value in
// the context are an error: a half-rendered email must fail the delivery
// rather than go out with literal braces in it.
func Render(tmpl models.Template, context map[string]string, pixelURL string) (Rendered, error) {
	subject, err := substitute(tmpl.Subject, context)
	if err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	html, err := substitute(tmpl.HTMLBody, context)
	if err != nil {
		return Rendered{}, fmt.Errorf("render html body: %w", err)
	}
	html = injectPixel(html, pixelURL)

	var text string
	if tmpl.TextBody != nil && *tmpl.TextBody != "" {
		text, err = substitute(*tmpl.TextBody, context)
		if err != nil {
			return Rendered{}, fmt.Errorf("render text body: %w", err)
		}
	}
	return Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func substitute(input string, context map[string]string) (string, error) {
	var missing []string
	out := tokenPattern.ReplaceAllStringFunc(input, func(match string) string {
		key := tokenPattern.FindStringSubmatch(match)[1]
		value, ok := context[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// injectPixel appends the 1x1 open-tracking image before </body>, or at the
// end when the template has no body tag. Templates that already carry a
// pixel are left alone.
func injectPixel(html, pixelURL string) string {
	if pixelURL == "" || strings.Contains(html, pixelURL) {
		return html
	}
	pixel := fmt.Sprintf(`<img src=%q width="1" height="1" style="display:none;" />`, pixelURL)
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}
