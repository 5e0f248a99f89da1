package validate

import (
	"github.com/gabriel-vasile/mimetype"
)

// SniffCompatible sniffs the buffer's magic numbers and reports whether the
// declared MIME type is compatible with what the bytes actually are.
// It returns the detected type either way so error messages can include it.
func SniffCompatible(declared string, buf []byte) (string, bool) {
	detected := mimetype.Detect(buf)
	detectedMime := NormalizeMime(detected.String())
	declaredMime := NormalizeMime(declared)

	return detectedMime, compatible(declaredMime, detectedMime)
}

// isOOXML reports whether the MIME is a modern Office document. These are
// ZIP containers on the wire, so a plain zip detection is acceptable.
func isOOXML(mime string) bool {
	return mime == mimeDocx || mime == mimeXlsx || mime == mimePptx
}

// isLegacyOffice reports whether the MIME is a pre-2007 Office type. All of
// them share the OLE compound-file container, which sniffers report under
// a single type.
func isLegacyOffice(mime string) bool {
	switch mime {
	case "application/msword", "application/vnd.ms-excel", "application/vnd.ms-powerpoint":
		return true
	}
	return false
}

// oleDetections are the types a sniffer may report for an OLE container.
func isOLEDetection(mime string) bool {
	switch mime {
	case "application/x-ole-storage", "application/msword",
		"application/vnd.ms-excel", "application/vnd.ms-powerpoint":
		return true
	}
	return false
}

// compatible applies the declared-vs-detected compatibility table. Both
// inputs must already be normalised.
//
// Container formats make exact matching too strict: OOXML documents are
// ZIP files, legacy Office types share one OLE container, and MP4 and
// QuickTime share the ftyp atom. Cross-category smuggling (an audio MP4
// declared as video) stays rejected because every relaxation below
// requires the same top-level media type or an explicit pairing.
func compatible(declared, detected string) bool {
	if declared == detected {
		return true
	}

	switch {
	// An octet-stream declaration claims nothing, so any content matches.
	case declared == "application/octet-stream":
		return true

	// OOXML documents detect as their container or as plain zip.
	case isOOXML(declared) && (detected == "application/zip" || isOOXML(detected)):
		return true
	case declared == "application/zip" && isOOXML(detected):
		return true

	// Legacy Office formats share the OLE compound container.
	case isLegacyOffice(declared) && isOLEDetection(detected):
		return true

	// MP4 and QuickTime both carry the ftyp atom; sniffers pick either.
	case declared == "video/mp4" && detected == "video/quicktime":
		return true
	case declared == "video/quicktime" && detected == "video/mp4":
		return true

	// Text subtypes (plain, csv) are indistinguishable by magic numbers.
	case TopLevel(declared) == "text" && TopLevel(detected) == "text":
		return true
	}

	return false
}
