package diagram

import (
	"context"
	"fmt"
)

// Format names an output format of Render.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatPNG     Format = "png"
)

// Render renders model in the requested format and returns the bytes and
// their content type. binDir is searched for the mermaid-ascii binary.
func Render(ctx context.Context, model *DiagramModel, format Format, binDir string) ([]byte, string, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), "text/plain; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCIIAuto(model, binDir)), "text/plain; charset=utf-8", nil
	case FormatPNG:
		png, err := RenderImage(ctx, model)
		if err != nil {
			return nil, "", err
		}
		return png, "image/png", nil
	default:
		return nil, "", fmt.Errorf("diagram: unknown format %q", format)
	}
}
