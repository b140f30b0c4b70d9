package converter

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"doc2long/internal/models"
)

// Text lays out plain text files on A4 pages with gofpdf.
type Text struct{}

// ToIntermediate writes <base>.pdf into outDir.
func (Text) ToIntermediate(_ context.Context, sourceRef, outDir string) (string, error) {
	data, err := os.ReadFile(sourceRef)
	if err != nil {
		return "", NewError(KindNotFound, models.StepConvertingToIntermediate, "read %s: %w", sourceRef, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "create %s: %w", outDir, err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	pdf.SetFont("Courier", "", 10)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	pdf.MultiCell(0, 4.5, tr(text), "", "", false)

	out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(sourceRef), filepath.Ext(sourceRef))+".pdf")
	if err := pdf.OutputFileAndClose(out); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "write pdf: %w", err)
	}
	return out, nil
}
