package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// normalizeImage converts whatever the camera or file picker produced into
// PNG bytes the vision models accept. PDFs (scanned leaflets) are rendered
// from their first page.
func normalizeImage(img Image) ([]byte, error) {
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	mimeType := strings.ToLower(strings.TrimSpace(img.ContentType))
	switch {
	case mimeType == "image/png" && !isHEIC(img.Data):
		return img.Data, nil
	case mimeType == "application/pdf":
		return renderPDF(img.Data)
	}

	var (
		decoded image.Image
		err     error
	)
	if isHEIC(img.Data) || strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		// iPhone photos; the standard library has no HEIC decoder
		decoded, err = heic.Decode(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		decoded, _, err = image.Decode(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
		}
	}
	return encodePNG(decoded)
}

func renderPDF(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	page, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(page)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIC sniffs the ftyp box brand of an ISO media file
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}
