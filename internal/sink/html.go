package sink

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const htmlSkeleton = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title></title>
<style>body{font-family:sans-serif}td,th{padding:2px 8px;text-align:left}td.w{text-align:right}</style>
</head>
<body>
<h1></h1>
<table>
<thead><tr><th>#</th><th>key</th><th>transcript</th><th>weight</th></tr></thead>
<tbody></tbody>
</table>
<p class="summary"></p>
</body>
</html>`

// HTML 把结果渲染为一张转写表。文档在内存中构建，Close 时一次性写出。
type HTML struct {
	w     io.Writer
	doc   *goquery.Document
	body  *goquery.Selection
	count int
}

func NewHTML(w io.Writer, title string) (*HTML, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSkeleton))
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "latgen"
	}
	doc.Find("title").SetText(title)
	doc.Find("h1").SetText(title)
	return &HTML{w: w, doc: doc, body: doc.Find("tbody")}, nil
}

func (h *HTML) Emit(r Record) error {
	h.body.AppendHtml(fmt.Sprintf(
		`<tr id="u%d"><td>%d</td><td class="key">%s</td><td class="text">%s</td><td class="w">%.4f</td></tr>`,
		r.Index, r.Index, html.EscapeString(string(r.Key)), html.EscapeString(r.Path.Line()), r.Path.Weight,
	))
	h.count++
	return nil
}

func (h *HTML) Close() error {
	h.doc.Find("p.summary").SetText(fmt.Sprintf("%d utterances", h.count))
	out, err := goquery.OuterHtml(h.doc.Find("html"))
	if err != nil {
		return &Error{Sink: FormatHTML, Err: err}
	}
	if _, err := io.WriteString(h.w, "<!DOCTYPE html>\n"+out+"\n"); err != nil {
		return &Error{Sink: FormatHTML, Err: err}
	}
	return nil
}
