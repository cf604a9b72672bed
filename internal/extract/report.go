package extract

import (
	"fmt"
	"strings"
	"time"
)

// BuildMarkdownReport renders one document result as a markdown report,
// ready for the PDF renderer or for direct reading.
func BuildMarkdownReport(res DocumentResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Clinical Extraction Report\n\n")
	fmt.Fprintf(&b, "- File: %s (%d bytes)\n", res.FileName, res.FileSize)
	if res.PageCount > 0 {
		fmt.Fprintf(&b, "- Pages: %d\n", res.PageCount)
	}
	fmt.Fprintf(&b, "- Status: **%s**\n", res.Status)
	if !res.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Completed: %s\n", res.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Tokens: %d prompt / %d output / %d total\n\n",
		res.Usage.PromptTokens, res.Usage.OutputTokens, res.Usage.TotalTokens)

	if res.Error != "" {
		fmt.Fprintf(&b, "## Processing Error\n\n%s\n\n", res.Error)
	}

	if res.IsolationCheck != "" {
		fmt.Fprintf(&b, "## Isolation Check\n\n%s\n\n", res.IsolationCheck)
	}

	if len(res.Records) > 0 {
		fmt.Fprintf(&b, "## Extracted Data\n\n")
		currentBlock := -1
		for _, rec := range res.Records {
			if rec.BlockID != currentBlock {
				if currentBlock != -1 {
					b.WriteString("\n")
				}
				currentBlock = rec.BlockID
				fmt.Fprintf(&b, "### Block %d\n\n", rec.BlockID)
				b.WriteString("| Question | Answer | Page | Status |\n")
				b.WriteString("| --- | --- | --- | --- |\n")
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				mdCell(rec.Question), mdCell(rec.Answer), mdCell(rec.PageNumber), rec.Status)
		}
		b.WriteString("\n")
	}

	if len(res.Logs) > 0 {
		fmt.Fprintf(&b, "## Processing Log\n\n")
		for _, entry := range res.Logs {
			fmt.Fprintf(&b, "- `%s` [%s] %s\n", entry.Timestamp.Format("15:04:05"), entry.Type, entry.Message)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func mdCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
