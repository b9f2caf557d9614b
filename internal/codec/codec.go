// Package codec decodes, resizes and re-encodes images held in memory.
package codec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register decoders for image.DecodeConfig
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"willnorris.com/go/gifresize"

	"image-resize-proxy/internal/model"
)

// compression quality of resized jpegs
const jpegQuality = 95

// Capability describes what the codec can do with one image format when the
// data lives in a memory buffer.
type Capability struct {
	// Subtype is the MIME subtype, which is also the name image.Decode reports.
	Subtype string
	Input   bool
	Output  bool
	encoder imaging.Format
}

// Formats is the codec's capability list. It is never modified at runtime.
var Formats = []Capability{
	{Subtype: "jpeg", Input: true, Output: true, encoder: imaging.JPEG},
	{Subtype: "png", Input: true, Output: true, encoder: imaging.PNG},
	{Subtype: "gif", Input: true, Output: true, encoder: imaging.GIF},
	{Subtype: "bmp", Input: true, Output: true, encoder: imaging.BMP},
	{Subtype: "tiff", Input: true, Output: true, encoder: imaging.TIFF},
	{Subtype: "webp", Input: true},
}

// fallback is used when the source format has no encoder.
var fallback = Capability{Subtype: "png", Input: true, Output: true, encoder: imaging.PNG}

var bySubtype = func() map[string]Capability {
	m := make(map[string]Capability, len(Formats))
	for _, f := range Formats {
		m[f.Subtype] = f
	}
	return m
}()

// Supported reports whether images of the given MIME subtype can be decoded
// from a buffer. Matching is exact.
func Supported(subtype string) bool {
	return bySubtype[subtype].Input
}

// ContentType returns the MIME type for a format name reported by Transform.
func ContentType(format string) string {
	return "image/" + format
}

// Transform decodes img, resizes it to fit spec and encodes it again. It
// returns the encoded bytes and the name of the format they are in, which is
// the source format when it can be encoded and png otherwise.
func Transform(img []byte, spec model.ResizeSpec) ([]byte, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}

	buf := new(bytes.Buffer)

	// gifresize keeps every frame of an animation
	if format == "gif" {
		fn := func(m image.Image) image.Image {
			return resize(m, spec)
		}
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
			return nil, "", fmt.Errorf("resize gif: %w", err)
		}
		return buf.Bytes(), format, nil
	}

	m, err := imaging.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", format, err)
	}
	m = resize(m, spec)

	out, ok := bySubtype[format]
	if !ok || !out.Output {
		out = fallback
	}
	if err := imaging.Encode(buf, m, out.encoder, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", out.Subtype, err)
	}
	return buf.Bytes(), out.Subtype, nil
}

// resize scales m to the bounds in spec. A single dimension keeps the aspect
// ratio; two dimensions cover the box and crop the overflow around the
// center. Unless spec allows enlargement, a source smaller than the box in
// either dimension is returned at its own size.
func resize(m image.Image, spec model.ResizeSpec) image.Image {
	w, h := spec.Width, spec.Height
	if b := m.Bounds(); !spec.AllowEnlargement && (w > b.Dx() || h > b.Dy()) {
		return m
	}

	switch {
	case w == 0 && h == 0:
		return m
	case w == 0 || h == 0:
		return imaging.Resize(m, w, h, imaging.Lanczos)
	default:
		return imaging.Fill(m, w, h, imaging.Center, imaging.Lanczos)
	}
}
