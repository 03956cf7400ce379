package util

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 3))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestLoadDirectoryImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.png", "frame-2.png", "frame-1.PNG", "still.png", "alpha.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "frame-3.png"), 0o700))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)

	var names []string
	for _, img := range images {
		names = append(names, filepath.Base(img.Path))
		assert.NotEmpty(t, img.Data)
	}
	assert.Equal(t, []string{"frame-1.PNG", "frame-2.png", "frame-10.png", "alpha.png", "still.png"}, names)
	assert.Equal(t, 10, images[2].Frame)
	assert.Equal(t, -1, images[3].Frame)

	decoded, err := images[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())
}

func TestLoadDirectoryMissing(t *testing.T) {
	_, err := LoadDirectoryImageFiles(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestImageFileDecodeError(t *testing.T) {
	_, err := ImageFile{Path: "broken.png", Data: []byte("nope")}.Decode()
	assert.ErrorContains(t, err, "broken.png")
}

func TestFrameNumber(t *testing.T) {
	assert.Equal(t, 42, frameNumber("frame-42.jpg"))
	assert.Equal(t, 7, frameNumber("7.png"))
	assert.Equal(t, -1, frameNumber("sign.png"))
	assert.True(t, IsImage("x.WEBP"))
	assert.False(t, IsImage("x.bmp"))
}
