package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"doc2long/internal/models"
)

// HTML prints HTML files to PDF with headless Chrome.
type HTML struct {
	// Timeout bounds one browser session; zero means 60s.
	Timeout time.Duration
}

// ToIntermediate writes <base>.pdf into outDir.
func (h *HTML) ToIntermediate(_ context.Context, sourceRef, outDir string) (string, error) {
	abs, err := filepath.Abs(sourceRef)
	if err != nil {
		return "", NewError(KindNotFound, models.StepConvertingToIntermediate, "resolve %s: %w", sourceRef, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "create %s: %w", outDir, err)
	}

	out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(sourceRef), filepath.Ext(sourceRef))+".pdf")
	if err := printToPDF("file://"+abs, out, h.Timeout); err != nil {
		return "", NewError(KindExternalToolFailed, models.StepConvertingToIntermediate, "%w", err)
	}
	return out, nil
}

// printToPDF loads url in headless Chrome and prints it to outputPath.
// The browser runs under its own timeout, independent of the scheduler.
func printToPDF(url, outputPath string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	if err := chromedp.Run(taskCtx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	var pdfBuffer []byte
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdfBuffer = buf
			return nil
		}),
	); err != nil {
		return fmt.Errorf("failed to print PDF: %w", err)
	}

	if len(pdfBuffer) == 0 {
		return fmt.Errorf("browser returned an empty PDF")
	}
	if err := os.WriteFile(outputPath, pdfBuffer, 0644); err != nil {
		return fmt.Errorf("failed to write PDF file: %w", err)
	}
	return nil
}
