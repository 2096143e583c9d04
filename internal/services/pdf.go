package services

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	xdraw "golang.org/x/image/draw"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/types"
)

const (
	BlueprintMimeType = "application/pdf"

	// PageUnitPoints is the geometry unit of page descriptors: PDF points,
	// 1/72 inch.
	PageUnitPoints = "pts"

	thumbnailWidth   = 256
	jpegQuality      = 85
	thumbJPEGQuality = 70
)

// Upload rejection reasons, surfaced verbatim as wire-level reason codes.
var (
	ErrBadMimeType    = errors.New("badMimeType")
	ErrInvalidPDFFile = errors.New("invalidPdfFile")
)

// PDFService inspects and rasterizes uploaded blueprint documents. The
// validation path is pure: it never schedules work and never touches
// storage.
type PDFService interface {
	// ValidateBlueprintUpload rejects non-PDF declarations with
	// ErrBadMimeType and structurally broken documents with
	// ErrInvalidPDFFile.
	ValidateBlueprintUpload(data []byte, declaredMimeType string) error

	// PageGeometry returns one descriptor per page, in document order.
	PageGeometry(data []byte) ([]types.BlueprintPage, error)
}

type pdfService struct {
	log *logger.Logger
}

func NewPDFService(log *logger.Logger) PDFService {
	return &pdfService{log: log.With("service", "PDFService")}
}

func (ps *pdfService) ValidateBlueprintUpload(data []byte, declaredMimeType string) error {
	if declaredMimeType != BlueprintMimeType {
		return ErrBadMimeType
	}
	ctx, err := ps.readContext(data)
	if err != nil {
		return ErrInvalidPDFFile
	}
	if ctx.PageCount == 0 {
		return ErrInvalidPDFFile
	}
	return nil
}

func (ps *pdfService) PageGeometry(data []byte) ([]types.BlueprintPage, error) {
	ctx, err := ps.readContext(data)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	pages := make([]types.BlueprintPage, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		_, _, attrs, err := ctx.PageDict(pageNr, false)
		if err != nil {
			return nil, fmt.Errorf("page %d attributes: %w", pageNr, err)
		}
		if attrs == nil || attrs.MediaBox == nil {
			return nil, fmt.Errorf("page %d has no media box", pageNr)
		}
		pages = append(pages, types.BlueprintPage{
			Rotation: attrs.Rotate,
			Size: types.PageSize{
				Unit:   PageUnitPoints,
				Width:  attrs.MediaBox.Width(),
				Height: attrs.MediaBox.Height(),
			},
		})
	}
	return pages, nil
}

func (ps *pdfService) readContext(data []byte) (*model.Context, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, err
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// RenderedPage holds the encoded raster output of one page: the full-size
// JPEG plus a scaled thumbnail.
type RenderedPage struct {
	Image     []byte
	Thumbnail []byte
}

// RenderSession rasterizes pages of one source document. Pages must be
// requested in document order; implementations keep the document open for
// the session's lifetime.
type RenderSession interface {
	PageCount() int
	RenderPage(pageIndex int) (*RenderedPage, error)
	Close() error
}

// PageRenderer opens render sessions. The production implementation wraps
// MuPDF; tests substitute a fake so conversion logic runs without cgo.
type PageRenderer interface {
	Open(source []byte) (RenderSession, error)
}

type fitzRenderer struct{}

func NewFitzRenderer() PageRenderer {
	return fitzRenderer{}
}

func (fitzRenderer) Open(source []byte) (RenderSession, error) {
	doc, err := fitz.NewFromMemory(source)
	if err != nil {
		return nil, fmt.Errorf("open pdf for rendering: %w", err)
	}
	return &fitzSession{doc: doc}, nil
}

type fitzSession struct {
	doc *fitz.Document
}

func (s *fitzSession) PageCount() int {
	return s.doc.NumPage()
}

func (s *fitzSession) RenderPage(pageIndex int) (*RenderedPage, error) {
	img, err := s.doc.Image(pageIndex)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageIndex+1, err)
	}

	var full bytes.Buffer
	if err := jpeg.Encode(&full, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", pageIndex+1, err)
	}

	thumb, err := encodeThumbnail(img)
	if err != nil {
		return nil, fmt.Errorf("thumbnail page %d: %w", pageIndex+1, err)
	}

	return &RenderedPage{Image: full.Bytes(), Thumbnail: thumb}, nil
}

func (s *fitzSession) Close() error {
	return s.doc.Close()
}

func encodeThumbnail(src image.Image) ([]byte, error) {
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("empty page image")
	}
	height := bounds.Dy() * thumbnailWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, thumbnailWidth, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
