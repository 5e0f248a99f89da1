package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal but genuine file headers for the sniffer.
var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pngHeader  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 'I', 'H', 'D', 'R'}
	zipHeader  = []byte{'P', 'K', 0x03, 0x04, 0x14, 0x00, 0x00, 0x00, 0x08, 0x00}
	webpHeader = append([]byte("RIFF\x24\x00\x00\x00WEBP"), []byte("VP8 ")...)
	mp4Header  = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm',
		0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}
)

func TestDeclared(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		mime     string
		size     int64
		wantErr  string
	}{
		{"valid image", "photo.jpg", "image/jpeg", 1024, ""},
		{"alias mime accepted", "photo.jpg", "image/jpg", 1024, ""},
		{"mime with params", "notes.txt", "text/plain; charset=utf-8", 10, ""},
		{"empty filename", "", "image/jpeg", 1024, "filename is empty"},
		{"long filename", strings.Repeat("a", 300) + ".jpg", "image/jpeg", 1024, "exceeds 255 bytes"},
		{"reserved chars", "a<b>.jpg", "image/jpeg", 1024, "reserved characters"},
		{"path separator", "../etc/passwd", "text/plain", 10, "reserved characters"},
		{"control char", "a\x01b.jpg", "image/jpeg", 1024, "control characters"},
		{"device name", "CON.txt", "text/plain", 10, "reserved device name"},
		{"device name lower", "nul", "text/plain", 10, "reserved device name"},
		{"disallowed mime", "evil.exe", "application/x-msdownload", 10, "not allowed"},
		{"zero size", "photo.jpg", "image/jpeg", 0, "must be positive"},
		{"negative size", "photo.jpg", "image/jpeg", -1, "must be positive"},
		{"image over ceiling", "big.jpg", "image/jpeg", 26 << 20, "exceeds the image limit"},
		{"video under ceiling", "clip.mp4", "video/mp4", 90 << 20, ""},
		{"video over ceiling", "clip.mp4", "video/mp4", 101 << 20, "exceeds the video limit"},
		{"document over ceiling", "big.pdf", "application/pdf", 51 << 20, "exceeds the document limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Declared(tt.filename, tt.mime, tt.size)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeclaredCollectsAllReasons(t *testing.T) {
	err := Declared("", "application/x-msdownload", 10)
	require.Error(t, err)

	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Reasons, 2)
}

func TestFileSniffMatch(t *testing.T) {
	tests := []struct {
		name string
		mime string
		buf  []byte
	}{
		{"jpeg", "image/jpeg", jpegHeader},
		{"jpeg via alias", "image/jpg", jpegHeader},
		{"png", "image/png", pngHeader},
		{"webp riff container", "image/webp", webpHeader},
		{"zip", "application/zip", zipHeader},
		{"docx is a zip on the wire", mimeDocx, zipHeader},
		{"xlsx is a zip on the wire", mimeXlsx, zipHeader},
		{"mp4", "video/mp4", mp4Header},
		{"quicktime accepts ftyp", "video/quicktime", mp4Header},
		{"csv reads as text", "text/csv", []byte("name,size\nphoto.jpg,1024\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, File(tt.name+".bin", tt.mime, int64(len(tt.buf)), tt.buf))
		})
	}
}

func TestFileSniffMismatch(t *testing.T) {
	tests := []struct {
		name string
		mime string
		buf  []byte
	}{
		{"png declared as jpeg", "image/jpeg", pngHeader},
		{"zip declared as pdf", "application/pdf", zipHeader},
		{"video container declared as audio", "audio/mp4", mp4Header},
		{"jpeg declared as video", "video/mp4", jpegHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := File(tt.name+".bin", tt.mime, int64(len(tt.buf)), tt.buf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "does not match detected content type")
		})
	}
}

func TestFileSkipsSniffOnEmptyBuffer(t *testing.T) {
	assert.NoError(t, File("photo.jpg", "image/jpeg", 1024, nil))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryImage, CategoryOf("image/jpeg"))
	assert.Equal(t, CategoryImage, CategoryOf("IMAGE/JPG"))
	assert.Equal(t, CategoryVideo, CategoryOf("video/mp4"))
	assert.Equal(t, CategoryAudio, CategoryOf("audio/x-m4a"))
	assert.Equal(t, CategoryDocument, CategoryOf(mimeDocx))
	assert.Equal(t, CategoryArchive, CategoryOf("application/zip"))
	assert.Equal(t, CategoryOther, CategoryOf("application/x-msdownload"))
}

func TestCategoryCeilings(t *testing.T) {
	assert.Equal(t, int64(25<<20), CategoryImage.MaxSize())
	assert.Equal(t, int64(50<<20), CategoryAudio.MaxSize())
	assert.Equal(t, int64(50<<20), CategoryDocument.MaxSize())
	assert.Equal(t, int64(50<<20), CategoryArchive.MaxSize())
	assert.Equal(t, int64(100<<20), CategoryVideo.MaxSize())
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, "jpg", ExtensionFor("image/jpg"))
	assert.Equal(t, "m4a", ExtensionFor("audio/x-m4a"))
	assert.Equal(t, "docx", ExtensionFor(mimeDocx))
	assert.Equal(t, "bin", ExtensionFor("application/x-unknown"))
}

func TestNormalizeMime(t *testing.T) {
	assert.Equal(t, "image/jpeg", NormalizeMime("image/jpg"))
	assert.Equal(t, "image/jpeg", NormalizeMime("  Image/JPEG ; charset=binary"))
	assert.Equal(t, "audio/mpeg", NormalizeMime("audio/mp3"))
	assert.Equal(t, "video/mp4", NormalizeMime("video/mp4"))
}
