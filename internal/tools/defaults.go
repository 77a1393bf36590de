package tools

import (
	"time"

	"github.com/local/convertqueue/internal/converter"
)

// Default registers every supported conversion over tc. Each tool's
// external calls are bounded by timeout.
func Default(tc *converter.Toolchain, timeout time.Duration) *Registry {
	image := func(name, ext string, args ...string) Tool {
		return Tool{Name: name, Shape: Simple, OutputExt: ext, Primary: tc.Magick(args...), Timeout: timeout}
	}
	combine := func(name string) Tool {
		return Tool{Name: name, Arity: Multi, Shape: Aggregate, OutputExt: ".pdf",
			Primary: tc.MagickCombine("-auto-orient", "-strip"), Timeout: timeout}
	}

	r, err := NewRegistry(
		image("image:png-to-jpg", ".jpg", "-quality", "90"),
		image("image:jpg-to-png", ".png"),
		image("image:webp-to-jpg", ".jpg", "-quality", "90"),
		image("image:webp-to-png", ".png", "-strip"),
		image("image:gif-to-webp", ".webp", "-quality", "80"),
		image("image:png-to-webp", ".webp", "-quality", "80"),
		image("image:jpg-to-webp", ".webp", "-quality", "80"),
		image("image:compress-image", ".jpg", "-quality", "75", "-strip"),
		Tool{
			Name: "image:heic-to-jpg", Shape: Fallback, OutputExt: ".jpg",
			Primary: tc.HeifConvert(), Fallback: tc.Magick("-quality", "90"), Timeout: timeout,
		},

		Tool{
			Name: "pdf:compress-pdf", Shape: Fallback, OutputExt: ".pdf",
			Primary: tc.GhostscriptCompress(), Fallback: tc.OptimizePDF(), Timeout: timeout,
		},
		Tool{
			Name: "pdf:pdf-to-jpg", Shape: Fallback, OutputExt: ".jpg",
			Primary: tc.MagickFirstPage(), Fallback: tc.RenderFirstPage(), Timeout: timeout,
		},
		combine("pdf:jpg-to-pdf"),
		combine("pdf:png-to-pdf"),
		Tool{
			Name: "pdf:merge-pdf", Arity: Multi, Shape: Aggregate, OutputExt: ".pdf",
			Primary: tc.PDFUnite(), Fallback: tc.GhostscriptMerge(), Timeout: timeout,
		},
		Tool{
			Name: "pdf:split-pdf", Shape: FanOutBundle, OutputExt: ".zip",
			Primary: tc.PDFSeparate(), Fallback: tc.GhostscriptSplit(), Timeout: timeout,
		},
		Tool{
			Name: "pdf:delete-pages", Params: PageSpec, Shape: PageSelection, OutputExt: ".pdf",
			Primary: tc.SelectPagesPoppler(), Fallback: tc.SelectPagesGhostscript(), Timeout: timeout,
		},

		Tool{
			Name: "audio:mp4-to-mp3", Shape: Simple, OutputExt: ".mp3",
			Primary: tc.FFmpeg("-vn", "-acodec", "libmp3lame", "-q:a", "2"), Timeout: timeout,
		},
		Tool{
			Name: "video:gif-to-mp4", Shape: Simple, OutputExt: ".mp4",
			Primary: tc.FFmpeg("-movflags", "faststart", "-pix_fmt", "yuv420p",
				"-vf", "fps=30,scale=trunc(iw/2)*2:trunc(ih/2)*2"),
			Timeout: timeout,
		},
		Tool{
			Name: "video:mov-to-mp4", Shape: Simple, OutputExt: ".mp4",
			Primary: tc.FFmpeg("-c:v", "libx264", "-preset", "veryfast", "-crf", "23",
				"-c:a", "aac", "-b:a", "160k", "-movflags", "+faststart"),
			Timeout: timeout,
		},

		Tool{
			Name: "archive:zip-extract", Shape: FanOutBundle, OutputExt: ".zip",
			Primary: tc.Unzip(), Fallback: tc.ExtractArchive(), Timeout: timeout,
		},
	)
	if err != nil {
		// the table above is static
		panic(err)
	}
	return r
}
