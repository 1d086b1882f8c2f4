// Package pdftest builds small, valid PDF and image fixtures for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

// Letter is the US Letter page size in points.
var Letter = [2]float64{612, 792}

// Document returns a PDF with one page per entry in sizes. Each page carries a
// short content stream so renderers have something to append to.
func Document(sizes ...[2]float64) []byte {
	if len(sizes) == 0 {
		sizes = [][2]float64{Letter}
	}
	pageCount := len(sizes)
	// 1 catalog, 2 pages tree, 3 font, then a page and content object per page.
	objects := make([]string, 0, 3+2*pageCount)
	kids := &bytes.Buffer{}
	for i := range sizes {
		fmt.Fprintf(kids, "%d 0 R ", 4+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids.Bytes()), pageCount),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	)
	for i, size := range sizes {
		content := fmt.Sprintf("BT /F1 12 Tf 72 %.0f Td (Page %d) Tj ET", size[1]-72, i+1)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
				size[0], size[1], 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	out := &bytes.Buffer{}
	out.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xrefOffset := out.Len()
	fmt.Fprintf(out, "xref\n0 %d\n", len(objects)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(out, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return out.Bytes()
}

// InheritedMediaBoxDocument returns a two page PDF whose pages inherit their
// MediaBox from the page tree node.
func InheritedMediaBoxDocument(width, height float64) []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 /MediaBox [0 0 %g %g] >>", width, height),
		"<< /Type /Page /Parent 2 0 R /Resources << >> >>",
		"<< /Type /Page /Parent 2 0 R /Resources << >> >>",
	}
	out := &bytes.Buffer{}
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xrefOffset := out.Len()
	fmt.Fprintf(out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, offset := range offsets {
		fmt.Fprintf(out, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return out.Bytes()
}

func solid(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)%7 == 0 {
				img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 120, A: 255})
			} else {
				img.Set(x, y, color.NRGBA{A: 0})
			}
		}
	}
	return img
}

// PNG returns an encoded PNG of the given pixel size.
func PNG(width, height int) []byte {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, solid(width, height)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG returns an encoded JPEG of the given pixel size.
func JPEG(width, height int) []byte {
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, solid(width, height), &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
