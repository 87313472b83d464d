// Package doc implements the coworker doc.extract_pdf_text tool.
package doc

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// OCRPrompter decides whether to fall back to OCR when a PDF yields no
// extractable text and the plan's ocr_mode is "ask". The default,
// non-interactive implementation always declines: this runtime has no
// terminal or display to prompt a human the way the original macOS
// AppleScript dialog did, and running OCR unattended on arbitrary
// files is outside this component's scope.
type OCRPrompter interface {
	PromptForOCR(path string) bool
}

// AutoDenyPrompter always declines OCR, matching a headless daemon
// with no human attached to approve the extra work.
type AutoDenyPrompter struct{}

func (AutoDenyPrompter) PromptForOCR(string) bool { return false }

// ExtractPDFText extracts up to maxChars of text from the PDF at
// path. When extraction yields no text and ocrMode is "ask", prompter
// is consulted; ocrMode "on" or "ask"-with-consent both return an
// empty string since OCR itself is not implemented here (no local
// OCR engine is part of this component's dependency stack).
func ExtractPDFText(path string, maxChars int, ocrMode string, prompter OCRPrompter) (string, error) {
	if prompter == nil {
		prompter = AutoDenyPrompter{}
	}

	text, err := extractText(path)
	if err != nil {
		return "", fmt.Errorf("doc: extract_pdf_text: %w", err)
	}
	if text != "" || ocrMode == "off" {
		return truncate(text, maxChars), nil
	}
	if ocrMode == "ask" && !prompter.PromptForOCR(path) {
		return "", nil
	}
	// ocrMode is "on", or "ask" with consent granted: this build has no
	// OCR engine wired in, so there is nothing further to extract.
	return "", nil
}

func extractText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// ChunkText splits text into size-byte chunks, matching the original's
// extract_pdf_chunks helper for callers that page through long
// extractions.
func ChunkText(text string, size int) []string {
	if size <= 0 || text == "" {
		return nil
	}
	var chunks []string
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}
