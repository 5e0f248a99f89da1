package validate

import (
	"strings"

	"github.com/pulsechat/filecore/internal/bytesize"
)

// Category classifies an upload by its declared MIME type. Size ceilings
// and preview behaviour are per category.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
	CategoryArchive  Category = "archive"
	CategoryOther    Category = "other"
)

// MaxSize returns the upload ceiling for the category.
func (c Category) MaxSize() int64 {
	switch c {
	case CategoryImage:
		return (25 * bytesize.MiB).Int64()
	case CategoryAudio, CategoryDocument, CategoryArchive:
		return (50 * bytesize.MiB).Int64()
	case CategoryVideo:
		return (100 * bytesize.MiB).Int64()
	default:
		return (25 * bytesize.MiB).Int64()
	}
}

// OOXML document MIMEs, all of which arrive on the wire as ZIP containers.
const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePptx = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

// categoryByMime is the MIME allow-list. A type absent from this table is
// rejected outright.
var categoryByMime = map[string]Category{
	// Images
	"image/jpeg": CategoryImage,
	"image/png":  CategoryImage,
	"image/gif":  CategoryImage,
	"image/webp": CategoryImage,
	"image/bmp":  CategoryImage,
	"image/heic": CategoryImage,

	// Audio
	"audio/mpeg": CategoryAudio,
	"audio/mp4":  CategoryAudio,
	"audio/aac":  CategoryAudio,
	"audio/ogg":  CategoryAudio,
	"audio/wav":  CategoryAudio,
	"audio/flac": CategoryAudio,
	"audio/webm": CategoryAudio,

	// Video
	"video/mp4":        CategoryVideo,
	"video/quicktime":  CategoryVideo,
	"video/webm":       CategoryVideo,
	"video/x-msvideo":  CategoryVideo,
	"video/x-matroska": CategoryVideo,
	"video/mpeg":       CategoryVideo,
	"video/3gpp":       CategoryVideo,

	// Documents
	"application/pdf":              CategoryDocument,
	"text/plain":                   CategoryDocument,
	"text/csv":                     CategoryDocument,
	"application/rtf":              CategoryDocument,
	"application/msword":           CategoryDocument,
	"application/vnd.ms-excel":     CategoryDocument,
	"application/vnd.ms-powerpoint": CategoryDocument,
	mimeDocx:                       CategoryDocument,
	mimeXlsx:                       CategoryDocument,
	mimePptx:                       CategoryDocument,

	// Archives
	"application/zip":             CategoryArchive,
	"application/gzip":            CategoryArchive,
	"application/x-tar":           CategoryArchive,
	"application/x-7z-compressed": CategoryArchive,
	"application/x-rar-compressed": CategoryArchive,

	// Opaque binary uploads are allowed but get the smallest ceiling.
	"application/octet-stream": CategoryOther,
}

// mimeAliases folds informal spellings onto the canonical registered type.
var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"audio/x-m4a": "audio/mp4",
	"audio/x-wav": "audio/wav",
	"audio/mp3":   "audio/mpeg",
	"video/avi":   "video/x-msvideo",
}

// extensionByMime fixes the on-disk extension so the blob name is
// predictable from the file id and MIME alone.
var extensionByMime = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/heic": "heic",

	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
	"audio/aac":  "aac",
	"audio/ogg":  "ogg",
	"audio/wav":  "wav",
	"audio/flac": "flac",
	"audio/webm": "weba",

	"video/mp4":        "mp4",
	"video/quicktime":  "mov",
	"video/webm":       "webm",
	"video/x-msvideo":  "avi",
	"video/x-matroska": "mkv",
	"video/mpeg":       "mpg",
	"video/3gpp":       "3gp",

	"application/pdf":              "pdf",
	"text/plain":                   "txt",
	"text/csv":                     "csv",
	"application/rtf":              "rtf",
	"application/msword":           "doc",
	"application/vnd.ms-excel":     "xls",
	"application/vnd.ms-powerpoint": "ppt",
	mimeDocx:                       "docx",
	mimeXlsx:                       "xlsx",
	mimePptx:                       "pptx",

	"application/zip":             "zip",
	"application/gzip":            "gz",
	"application/x-tar":           "tar",
	"application/x-7z-compressed": "7z",
	"application/x-rar-compressed": "rar",

	"application/octet-stream": "bin",
}

// NormalizeMime lower-cases a MIME type, strips parameters, and folds
// known aliases onto the canonical type.
func NormalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if canon, ok := mimeAliases[mime]; ok {
		return canon
	}
	return mime
}

// CategoryOf returns the category for a declared MIME type.
// Unlisted types report CategoryOther.
func CategoryOf(mime string) Category {
	if cat, ok := categoryByMime[NormalizeMime(mime)]; ok {
		return cat
	}
	return CategoryOther
}

// Allowed reports whether the declared MIME type is in the allow-list.
func Allowed(mime string) bool {
	_, ok := categoryByMime[NormalizeMime(mime)]
	return ok
}

// ExtensionFor returns the fixed extension for a MIME type, or "bin" for
// anything unmapped.
func ExtensionFor(mime string) string {
	if ext, ok := extensionByMime[NormalizeMime(mime)]; ok {
		return ext
	}
	return "bin"
}

// TopLevel returns the media type before the slash ("video" for "video/mp4").
func TopLevel(mime string) string {
	mime = NormalizeMime(mime)
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[:i]
	}
	return mime
}
