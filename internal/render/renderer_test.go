package render

import (
	"strings"
	"testing"
)

func TestBuildHTMLEscapesTitle(t *testing.T) {
	out, err := buildHTML(`study <b>"A&B"</b>.pdf`, "body")
	if err != nil {
		t.Fatalf("buildHTML: %v", err)
	}
	if strings.Contains(out, "<b>") {
		t.Fatalf("expected title markup to be escaped, got: %s", out)
	}
	if !strings.Contains(out, "study &lt;b&gt;&#34;A&amp;B&#34;&lt;/b&gt;.pdf") {
		t.Fatalf("expected escaped title in header, got: %s", out)
	}
}

func TestBuildHTMLConvertsGFMTable(t *testing.T) {
	md := "| Question | Answer |\n|---|---|\n| Study design | RCT |\n"
	out, err := buildHTML("report", md)
	if err != nil {
		t.Fatalf("buildHTML: %v", err)
	}
	if !strings.Contains(out, "<table>") {
		t.Fatalf("expected markdown table to render as HTML table, got: %s", out)
	}
	if !strings.Contains(out, "<td>RCT</td>") {
		t.Fatalf("expected table cell content, got: %s", out)
	}
}

func TestBuildHTMLEmbedsStylesheetAndBody(t *testing.T) {
	out, err := buildHTML("report", "# Heading\n\nparagraph")
	if err != nil {
		t.Fatalf("buildHTML: %v", err)
	}
	if !strings.Contains(out, "<style>") || !strings.Contains(out, ".report-body") {
		t.Fatalf("expected embedded stylesheet, got: %s", out)
	}
	if !strings.Contains(out, "<h1>Heading</h1>") {
		t.Fatalf("expected converted heading in body, got: %s", out)
	}
}
