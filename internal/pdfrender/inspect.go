package pdfrender

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
	"github.com/digitorus/pdf"
)

const maxPageTreeDepth = 32

var (
	// ErrUnreadablePDF indicates bytes that do not parse as a PDF document.
	ErrUnreadablePDF = errors.New("pdfrender: unreadable pdf")
	// ErrEmptyPDF indicates a document without pages.
	ErrEmptyPDF = errors.New("pdfrender: pdf has no pages")

	letter = placement.PageSize{Width: 612, Height: 792}
)

// Inspect returns the MediaBox size of every page, in page order.
func Inspect(data []byte) (sizes []placement.PageSize, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			sizes = nil
			err = fmt.Errorf("%w: %v", ErrUnreadablePDF, recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	count := reader.NumPage()
	if count <= 0 {
		return nil, ErrEmptyPDF
	}
	sizes = make([]placement.PageSize, 0, count)
	for index := 1; index <= count; index++ {
		sizes = append(sizes, mediaBox(reader.Page(index).V))
	}
	return sizes, nil
}

// mediaBox reads the page MediaBox, following /Parent for inherited values.
func mediaBox(node pdf.Value) placement.PageSize {
	for depth := 0; depth < maxPageTreeDepth && !node.IsNull(); depth++ {
		box := node.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			width := math.Abs(box.Index(2).Float64() - box.Index(0).Float64())
			height := math.Abs(box.Index(3).Float64() - box.Index(1).Float64())
			if width > 0 && height > 0 {
				return placement.PageSize{Width: width, Height: height}
			}
		}
		node = node.Key("Parent")
	}
	return letter
}
