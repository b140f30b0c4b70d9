package converter

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/jung-kurt/gofpdf"
	"github.com/rs/zerolog"

	"doc2long/internal/models"
)

// Mail converts .eml messages to PDF. Headless Chrome renders the message
// HTML when available, otherwise a plain gofpdf layout is written.
type Mail struct {
	// DisableChrome skips the browser and always uses the gofpdf layout.
	DisableChrome bool
	Timeout       time.Duration
	Logger        zerolog.Logger
}

// ToIntermediate writes <base>.pdf into outDir.
func (m *Mail) ToIntermediate(_ context.Context, sourceRef, outDir string) (string, error) {
	file, err := os.Open(sourceRef)
	if err != nil {
		return "", NewError(KindNotFound, models.StepConvertingToIntermediate, "open %s: %w", sourceRef, err)
	}
	defer file.Close()

	envelope, err := enmime.ReadEnvelope(file)
	if err != nil {
		return "", NewError(KindUnsupportedFormat, models.StepConvertingToIntermediate, "parse message: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "create %s: %w", outDir, err)
	}

	base := strings.TrimSuffix(filepath.Base(sourceRef), filepath.Ext(sourceRef))
	pdfPath := filepath.Join(outDir, base+".pdf")

	if !m.DisableChrome {
		htmlPath := filepath.Join(outDir, base+".html")
		if err := os.WriteFile(htmlPath, []byte(messageHTML(envelope)), 0644); err == nil {
			abs, _ := filepath.Abs(htmlPath)
			err = printToPDF("file://"+abs, pdfPath, m.Timeout)
			os.Remove(htmlPath)
			if err == nil {
				return pdfPath, nil
			}
			m.Logger.Warn().Err(err).Str("source", sourceRef).Msg("browser render failed, using basic layout")
		}
	}

	if err := messagePDF(envelope, pdfPath); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "%w", err)
	}
	return pdfPath, nil
}

func messageHTML(env *enmime.Envelope) string {
	var b bytes.Buffer

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n")
	b.WriteString("<title>" + html.EscapeString(env.GetHeader("Subject")) + "</title>\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: Arial, sans-serif; margin: 20px; }\n")
	b.WriteString(".hdr { margin-bottom: 20px; border-bottom: 1px solid #ccc; padding-bottom: 10px; }\n")
	b.WriteString(".hdr b { width: 70px; display: inline-block; }\n")
	b.WriteString(".att { margin-top: 30px; border-top: 1px solid #eee; padding-top: 10px; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"hdr\">\n")
	for _, h := range messageHeaders(env) {
		fmt.Fprintf(&b, "<div><b>%s</b> %s</div>\n", h[0], html.EscapeString(h[1]))
	}
	b.WriteString("</div>\n<div>\n")

	switch {
	case env.HTML != "":
		b.WriteString(env.HTML)
	case env.Text != "":
		for _, line := range strings.Split(env.Text, "\n") {
			b.WriteString(html.EscapeString(line) + "<br>\n")
		}
	}
	b.WriteString("</div>\n")

	if len(env.Attachments) > 0 {
		fmt.Fprintf(&b, "<div class=\"att\">\n<h3>Attachments (%d)</h3>\n<ul>\n", len(env.Attachments))
		for _, att := range env.Attachments {
			fmt.Fprintf(&b, "<li>%s (%s)</li>\n", html.EscapeString(att.FileName), formatBytes(int64(len(att.Content))))
		}
		b.WriteString("</ul>\n</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func messagePDF(env *enmime.Envelope, pdfPath string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, h := range messageHeaders(env) {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(30, 8, h[0])
		pdf.SetFont("Arial", "", 12)
		pdf.Cell(0, 8, tr(h[1]))
		pdf.Ln(8)
	}
	pdf.Line(10, pdf.GetY()+3, 200, pdf.GetY()+3)
	pdf.SetY(pdf.GetY() + 8)

	body := env.Text
	if body == "" && env.HTML != "" {
		body = stripTags(env.HTML)
	}
	pdf.SetFont("Arial", "", 11)
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		pdf.MultiCell(0, 5, tr(para), "", "", false)
		pdf.Ln(3)
	}

	if len(env.Attachments) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(0, 8, fmt.Sprintf("Attachments (%d):", len(env.Attachments)))
		pdf.Ln(8)
		pdf.SetFont("Arial", "", 10)
		for _, att := range env.Attachments {
			pdf.Cell(0, 5, tr(fmt.Sprintf("- %s (%s)", att.FileName, formatBytes(int64(len(att.Content))))))
			pdf.Ln(5)
		}
	}

	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return fmt.Errorf("failed to write pdf file: %w", err)
	}
	return nil
}

func messageHeaders(env *enmime.Envelope) [][2]string {
	out := [][2]string{
		{"From:", env.GetHeader("From")},
		{"To:", env.GetHeader("To")},
	}
	if cc := env.GetHeader("Cc"); cc != "" {
		out = append(out, [2]string{"Cc:", cc})
	}
	out = append(out,
		[2]string{"Subject:", env.GetHeader("Subject")},
		[2]string{"Date:", formatDate(env.GetHeader("Date"))},
	)
	return out
}

// stripTags turns message HTML into paragraph-separated text.
func stripTags(s string) string {
	for _, tag := range []string{"</p>", "</div>", "</h1>", "</h2>", "</h3>", "</li>", "</tr>"} {
		s = strings.ReplaceAll(s, tag, tag+"\n\n")
	}
	for _, br := range []string{"<br>", "<br/>", "<br />"} {
		s = strings.ReplaceAll(s, br, "\n")
	}

	var out strings.Builder
	inTag := false
	for _, c := range s {
		switch {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
		case !inTag:
			out.WriteRune(c)
		}
	}
	return html.UnescapeString(out.String())
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDate(date string) string {
	if t, err := time.Parse(time.RFC1123Z, date); err == nil {
		return t.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	}
	return date
}
