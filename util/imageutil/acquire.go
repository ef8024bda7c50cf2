package imageutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"

	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/llavabatch/util/fileutil"
)

// ImageRecord is a decoded image together with what the generators need to know about
// where it came from. Data is the PNG encoding of Image, not the source bytes, so the
// generators never see an alpha channel or a format they cannot read.
type ImageRecord struct {
	Ref    string
	Image  *image.NRGBA
	Size   image.Point
	Format string
	Data   []byte
}

// LoadImage fetches ref (http(s) URL, local path or s3:// URL) and decodes it to RGB.
// Remote images use a plain GET with the default client: no retries, no extra timeout.
func LoadImage(ctx context.Context, ref string) (*ImageRecord, error) {
	if ref == "" {
		return nil, errors.New("empty image reference")
	}
	var data []byte
	var err error
	if fileutil.IsRemoteURL(ref) {
		data, err = fetch(ctx, ref)
	} else {
		data, err = fileutil.ReadFileBytes(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("loading image %q: %w", ref, err)
	}
	return DecodeImage(ref, data)
}

func DecodeImage(ref string, data []byte) (*ImageRecord, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image %q: %w", ref, err)
	}
	rgb := ToRGB(img)
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, rgb); err != nil {
		return nil, fmt.Errorf("encoding image %q: %w", ref, err)
	}
	return &ImageRecord{
		Ref:    ref,
		Image:  rgb,
		Size:   image.Pt(rgb.Bounds().Dx(), rgb.Bounds().Dy()),
		Format: format,
		Data:   encoded.Bytes(),
	}, nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
