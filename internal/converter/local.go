package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"doc2long/internal/models"
	"doc2long/internal/security"
)

// Pixel count above which PNG output trades size for encoding speed.
const fastPNGPixels = 50_000_000

// Store persists an encoded artifact and returns its reference.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
}

// Scanner checks a source file before conversion.
type Scanner interface {
	IsEnabled() bool
	ScanFile(path string) (*security.ScanResult, error)
}

// Options configures Local.
type Options struct {
	PdfInfo  string // pdfinfo binary
	PdfToPPM string // pdftoppm binary
	WorkDir  string // scratch space for page renders
	Store    Store
	Scanner  Scanner
	// Convertible reports whether an extension has an intermediate converter.
	Convertible func(ext string) bool
	Logger      zerolog.Logger
}

// Local is the default Converter: poppler for rasterization and imaging for
// merging and encoding.
type Local struct {
	opts Options
	log  zerolog.Logger
}

// NewLocal creates a Local converter.
func NewLocal(opts Options) *Local {
	if opts.PdfInfo == "" {
		opts.PdfInfo = "pdfinfo"
	}
	if opts.PdfToPPM == "" {
		opts.PdfToPPM = "pdftoppm"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Local{
		opts: opts,
		log:  opts.Logger.With().Str("component", "converter").Logger(),
	}
}

// Detect checks that the source exists and classifies it by extension.
func (l *Local) Detect(_ context.Context, sourceRef string) (Detection, error) {
	info, err := os.Stat(sourceRef)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Detection{}, NewError(KindNotFound, models.StepDetecting, "source %s does not exist", sourceRef)
		}
		return Detection{}, NewError(KindNotFound, models.StepDetecting, "stat %s: %w", sourceRef, err)
	}
	if info.IsDir() {
		return Detection{}, NewError(KindUnsupportedFormat, models.StepDetecting, "%s is a directory", sourceRef)
	}

	ext := strings.ToLower(filepath.Ext(sourceRef))
	det := Detection{Extension: ext, Size: info.Size()}

	switch {
	case ext == ".pdf":
		det.Kind = SourceNative
	case l.opts.Convertible != nil && l.opts.Convertible(ext):
		det.Kind = SourceIntermediate
	default:
		return Detection{}, NewError(KindUnsupportedFormat, models.StepDetecting, "unsupported file format %q", ext)
	}

	if l.opts.Scanner != nil && l.opts.Scanner.IsEnabled() {
		res, err := l.opts.Scanner.ScanFile(sourceRef)
		if err != nil {
			return Detection{}, NewError(KindExternalToolFailed, models.StepDetecting, "scan %s: %w", sourceRef, err)
		}
		if res.Infected {
			return Detection{}, NewError(KindSourceRejected, models.StepDetecting, "malware detected: %s", strings.Join(res.Threats, ", "))
		}
	}

	return det, nil
}

// Load reads page count and encryption flag with pdfinfo.
func (l *Local) Load(_ context.Context, ref string) (*Document, error) {
	out, err := runTool(models.StepLoadingDocument, l.opts.PdfInfo, ref)
	if err != nil {
		return nil, err
	}

	doc := parsePdfInfo(out)
	doc.Path = ref

	if doc.Encrypted {
		return nil, NewError(KindUnsupportedFormat, models.StepLoadingDocument, "%s is encrypted", filepath.Base(ref))
	}
	if doc.Pages == 0 {
		return nil, NewError(KindConversionEmpty, models.StepLoadingDocument, "%s has no pages", filepath.Base(ref))
	}
	return doc, nil
}

func parsePdfInfo(out []byte) *Document {
	doc := &Document{}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Pages":
			doc.Pages, _ = strconv.Atoi(value)
		case "Encrypted":
			doc.Encrypted = strings.HasPrefix(strings.ToLower(value), "yes")
		}
	}
	return doc
}

// Render rasterizes the document one page at a time so page hints are real.
func (l *Local) Render(_ context.Context, doc *Document, params models.Params, hint PageHint) ([]image.Image, error) {
	if doc == nil || doc.Pages == 0 {
		return nil, NewError(KindConversionEmpty, models.StepRenderingPages, "document has no pages")
	}

	dir, err := os.MkdirTemp(l.opts.WorkDir, "pages-")
	if err != nil {
		return nil, NewError(KindExternalToolFailed, models.StepRenderingPages, "create page directory: %w", err)
	}
	defer os.RemoveAll(dir)

	dpi := strconv.Itoa(params.Resolution)
	pages := make([]image.Image, 0, doc.Pages)

	for i := 1; i <= doc.Pages; i++ {
		n := strconv.Itoa(i)
		prefix := filepath.Join(dir, "page-"+n)

		if _, err := runTool(models.StepRenderingPages, l.opts.PdfToPPM,
			"-r", dpi, "-png", "-f", n, "-l", n, "-singlefile", doc.Path, prefix); err != nil {
			return nil, err
		}

		img, err := imaging.Open(prefix + ".png")
		if err != nil {
			return nil, NewError(KindExternalToolFailed, models.StepRenderingPages, "page %d produced no image: %w", i, err)
		}
		pages = append(pages, img)

		if hint != nil {
			hint(i, doc.Pages)
		}
	}

	if len(pages) == 0 {
		return nil, NewError(KindConversionEmpty, models.StepRenderingPages, "no pages rendered")
	}

	l.log.Debug().Str("document", doc.Path).Int("pages", len(pages)).Msg("pages rendered")
	return pages, nil
}

// Merge stacks pages vertically on a white canvas as wide as the widest page,
// centering narrower pages.
func (l *Local) Merge(_ context.Context, pages []image.Image, hint PageHint) (image.Image, error) {
	if len(pages) == 0 {
		return nil, NewError(KindConversionEmpty, models.StepMergingImages, "nothing to merge")
	}

	width, height := 0, 0
	for _, p := range pages {
		b := p.Bounds()
		if b.Dx() > width {
			width = b.Dx()
		}
		height += b.Dy()
	}
	if width == 0 || height == 0 {
		return nil, NewError(KindMergeOrEncodeFailed, models.StepMergingImages, "pages have zero size")
	}

	canvas := imaging.New(width, height, color.White)
	y := 0
	for i, p := range pages {
		b := p.Bounds()
		canvas = imaging.Paste(canvas, p, image.Pt((width-b.Dx())/2, y))
		y += b.Dy()

		if hint != nil {
			hint(i+1, len(pages))
		}
	}

	return canvas, nil
}

// Save encodes the composite image and hands it to the store.
func (l *Local) Save(ctx context.Context, img image.Image, params models.Params, name string) (string, error) {
	if l.opts.Store == nil {
		return "", NewError(KindMergeOrEncodeFailed, models.StepSavingOutput, "no output store configured")
	}

	buf := new(bytes.Buffer)
	contentType, err := encode(buf, img, params)
	if err != nil {
		return "", NewError(KindMergeOrEncodeFailed, models.StepSavingOutput, "encode %s: %w", params.Format, err)
	}

	ref, err := l.opts.Store.Put(ctx, name+params.Format.Extension(), buf, int64(buf.Len()), contentType)
	if err != nil {
		return "", NewError(KindMergeOrEncodeFailed, models.StepSavingOutput, "store output: %w", err)
	}
	return ref, nil
}

// Discard deletes a saved output when the store supports deletion.
func (l *Local) Discard(ctx context.Context, ref string) error {
	d, ok := l.opts.Store.(interface {
		Delete(ctx context.Context, ref string) error
	})
	if !ok {
		return nil
	}
	return d.Delete(ctx, ref)
}

func encode(w io.Writer, img image.Image, params models.Params) (string, error) {
	switch params.Format {
	case models.FormatJPEG:
		quality := params.Quality
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		return "image/jpeg", imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case models.FormatPNG, "":
		level := png.DefaultCompression
		b := img.Bounds()
		if b.Dx()*b.Dy() > fastPNGPixels {
			level = png.BestSpeed
		}
		return "image/png", imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(level))
	default:
		return "", fmt.Errorf("unknown output format %q", params.Format)
	}
}
