package validate

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/newsletter-agent/internal/models"
)

// MaxRenderedHTMLBytes is the provider-imposed size budget for broadcast HTML.
const MaxRenderedHTMLBytes = 180_000

// UnsubscribePlaceholder must survive rendering verbatim so the email
// provider can substitute the per-recipient link.
const UnsubscribePlaceholder = "{{{RESEND_UNSUBSCRIBE_URL}}}"

// requiredSections are the recognized issue headers; a rendered issue must
// carry at least one. The team section is omitted on weeks with no updates,
// so requiring every header would reject a valid issue.
var requiredSections = []string{"This Week", "Industry News"}

// ValidateHTTPSLinks walks the newsletter payload and collects a problem for
// every key ending in "url" whose value is not an absolute https URL.
func ValidateHTTPSLinks(payload models.JSON) []string {
	var problems []string
	walkURLs("", map[string]interface{}(payload), &problems)
	return problems
}

func walkURLs(path string, node interface{}, problems *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if strings.HasSuffix(strings.ToLower(key), "url") {
				if s, ok := child.(string); ok {
					if err := checkHTTPS(s); err != nil {
						*problems = append(*problems, fmt.Sprintf("%s: %v", childPath, err))
					}
					continue
				}
			}
			walkURLs(childPath, child, problems)
		}
	case []interface{}:
		for i, child := range v {
			walkURLs(fmt.Sprintf("%s[%d]", path, i), child, problems)
		}
	}
}

func checkHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %q", raw)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute https URL, got %q", raw)
	}
	return nil
}

// ValidateRenderedHTML runs the pre-broadcast audit on final HTML: the
// unsubscribe placeholder must be present, the document must fit the size
// budget, required section headers must appear, and every anchor must point
// at an https destination. Returns all problems found, not just the first.
func ValidateRenderedHTML(html string) []string {
	var problems []string

	if !strings.Contains(html, UnsubscribePlaceholder) {
		problems = append(problems, "missing unsubscribe placeholder "+UnsubscribePlaceholder)
	}
	if len(html) > MaxRenderedHTMLBytes {
		problems = append(problems, fmt.Sprintf("rendered HTML is %d bytes, exceeds %d byte budget",
			len(html), MaxRenderedHTMLBytes))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		problems = append(problems, fmt.Sprintf("HTML does not parse: %v", err))
		return problems
	}

	hasSection := false
	for _, section := range requiredSections {
		if documentHasHeader(doc, section) {
			hasSection = true
			break
		}
	}
	if !hasSection {
		problems = append(problems, "missing required section headers")
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == UnsubscribePlaceholder || strings.HasPrefix(href, "mailto:") {
			return
		}
		if err := checkHTTPS(href); err != nil {
			problems = append(problems, fmt.Sprintf("anchor %q: %v", truncate(href, 80), err))
		}
	})

	return problems
}

func documentHasHeader(doc *goquery.Document, text string) bool {
	found := false
	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		if strings.Contains(sel.Text(), text) {
			found = true
		}
	})
	return found
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
