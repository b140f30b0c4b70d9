package converter

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"doc2long/internal/models"
)

// OfficeExtensions are converted by LibreOffice.
var OfficeExtensions = []string{".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx", ".csv", ".odt", ".rtf"}

// Office converts office documents to PDF with a headless LibreOffice.
type Office struct {
	Binary string
}

// ToIntermediate runs `soffice --headless --convert-to pdf`. LibreOffice
// reports no progress, so callers estimate it.
func (o *Office) ToIntermediate(_ context.Context, sourceRef, outDir string) (string, error) {
	bin := o.Binary
	if bin == "" {
		bin = "soffice"
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "create %s: %w", outDir, err)
	}

	if _, err := runTool(models.StepConvertingToIntermediate, bin,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, sourceRef); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(sourceRef), filepath.Ext(sourceRef))
	expected := filepath.Join(outDir, base+".pdf")
	if nonEmpty(expected) {
		return expected, nil
	}

	// LibreOffice sometimes rewrites the file name; take any PDF it left.
	matches, _ := filepath.Glob(filepath.Join(outDir, "*.pdf"))
	for _, m := range matches {
		if nonEmpty(m) {
			return m, nil
		}
	}

	return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "libreoffice produced no PDF for %s", filepath.Base(sourceRef))
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
