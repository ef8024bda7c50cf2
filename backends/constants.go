package backends

const (
	// ImageTokenIndex is the sentinel id placed where the image embedding goes.
	ImageTokenIndex = -200

	DefaultImageToken   = "<image>"
	DefaultImStartToken = "<im_start>"
	DefaultImEndToken   = "<im_end>"

	// DefaultContextLength applies when the model config has no max_sequence_length.
	DefaultContextLength = 2048
)

// ImagePlaceholder returns the text inserted in front of a prompt to mark the image.
func ImagePlaceholder(useImStartEnd bool) string {
	if useImStartEnd {
		return DefaultImStartToken + DefaultImageToken + DefaultImEndToken + "\n"
	}
	return DefaultImageToken + "\n"
}
