package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page markup the portal is known to produce. A change in the portal's
// HTML only needs to be reflected here.
const (
	ExecutionField       = "execution"
	StatusSelector       = "div.form-group"
	DefaultSuccessMarker = "success"
)

func parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", ErrProtocol, err)
	}
	return doc, nil
}

// HiddenField returns the value of the hidden input called name.
func HiddenField(body []byte, name string) (string, error) {
	doc, err := parse(body)
	if err != nil {
		return "", err
	}
	sel := doc.Find(fmt.Sprintf(`input[type="hidden"][name=%q]`, name)).First()
	value, ok := sel.Attr("value")
	if !ok {
		return "", fmt.Errorf("%w: hidden field %q not found", ErrProtocol, name)
	}
	return value, nil
}

// IndicatesSuccess reports whether the first status container on the page
// carries marker. A page without the container is not a success.
func IndicatesSuccess(body []byte, marker string) (bool, error) {
	if marker == "" {
		marker = DefaultSuccessMarker
	}
	doc, err := parse(body)
	if err != nil {
		return false, err
	}
	sel := doc.Find(StatusSelector).First()
	if sel.Length() == 0 {
		return false, nil
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return false, fmt.Errorf("%w: render status container: %v", ErrProtocol, err)
	}
	return strings.Contains(html, marker), nil
}
