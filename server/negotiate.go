package server

import (
	"strconv"
	"strings"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// accepts reports whether an Accept header admits the media type.  An empty
// header admits everything, as does a matching wildcard.  An explicit q=0 for
// the exact type wins over wildcards.
func accepts(accept, mediaType string) bool {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return true
	}
	major := mediaType
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		major = mediaType[:i]
	}
	exact, wildcard := -1.0, -1.0
	for _, part := range strings.Split(accept, ",") {
		fields := strings.Split(part, ";")
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		q := 1.0
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if strings.HasPrefix(param, "q=") {
				if v, err := strconv.ParseFloat(param[2:], 64); err == nil {
					q = v
				}
			}
		}
		switch name {
		case mediaType:
			exact = q
		case major + "/*", "*/*":
			if q > wildcard {
				wildcard = q
			}
		}
	}
	if exact >= 0 {
		return exact > 0
	}
	return wildcard > 0
}

// negotiate picks the format to serve.  A modern format the caller does not
// accept falls back to the stored format, or PNG if the stored format is
// unknown or itself modern.
func negotiate(requested mosaic.ImageFormat, accept string, stored mosaic.ImageFormat) mosaic.ImageFormat {
	if !requested.Modern() || accepts(accept, requested.MediaType()) {
		return requested
	}
	if stored == mosaic.UnknownImageFormat || stored.Modern() {
		return mosaic.FormatPNG
	}
	return stored
}
