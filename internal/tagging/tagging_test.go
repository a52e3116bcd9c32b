package tagging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 200, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 120, B: 200, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func writeJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func TestEmbedPNGInPlace(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "shot.png")

	ok, err := NewChecker(nil).AlreadyTagged(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, NewEncoder().Embed(p, p, "ENCRYPTED==", "AIDT 3f9a1c0b2e7d", 0.5))

	got, err := ExtractPayload(p)
	require.NoError(t, err)
	assert.Equal(t, "ENCRYPTED==", got)

	// 输出仍是合法 PNG，且水印改变了像素
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, testImage().Bounds(), img.Bounds())

	changed := false
	orig := testImage()
	for y := 0; y < 120 && !changed; y++ {
		for x := 0; x < 200; x++ {
			if img.At(x, y) != orig.At(x, y) {
				r1, g1, b1, _ := img.At(x, y).RGBA()
				r0, g0, b0, _ := orig.At(x, y).RGBA()
				if r1 != r0 || g1 != g0 || b1 != b0 {
					changed = true
					break
				}
			}
		}
	}
	assert.True(t, changed)

	ok, err = NewChecker(nil).AlreadyTagged(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, ok)

	// 不留下临时文件
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEmbedJPEG(t *testing.T) {
	dir := t.TempDir()
	p := writeJPEG(t, dir, "photo.jpg")

	require.NoError(t, NewEncoder().Embed(p, p, "JPEGPAYLOAD", "AIDT abc", 0.5))
	got, err := ExtractPayload(p)
	require.NoError(t, err)
	assert.Equal(t, "JPEGPAYLOAD", got)

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	assert.NoError(t, err)
}

func TestEmbedPDF(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF"), 0o644))

	_, err := ExtractPayload(p)
	assert.ErrorIs(t, err, ErrNoPayload)

	require.NoError(t, NewEncoder().Embed(p, p, "PDFPAYLOAD", "AIDT abc", 0.5))
	got, err := ExtractPayload(p)
	require.NoError(t, err)
	assert.Equal(t, "PDFPAYLOAD", got)
}

func TestEmbedUnsupported(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.gif")
	require.NoError(t, os.WriteFile(p, []byte("GIF89a"), 0o644))
	err := NewEncoder().Embed(p, p, "x", "y", 0.5)
	assert.ErrorIs(t, err, ErrUnsupported)

	fake := filepath.Join(dir, "fake.pdf")
	require.NoError(t, os.WriteFile(fake, []byte("hello"), 0o644))
	assert.ErrorIs(t, NewEncoder().Embed(fake, fake, "x", "y", 0.5), ErrUnsupported)
}

func TestEmbedIncompleteContent(t *testing.T) {
	dir := t.TempDir()
	full, err := os.ReadFile(writePNG(t, dir, "src.png"))
	require.NoError(t, err)
	jpg, err := os.ReadFile(writeJPEG(t, dir, "src.jpg"))
	require.NoError(t, err)

	cases := []struct {
		name string
		file string
		data []byte
	}{
		{"empty png", "empty.png", nil},
		{"half png", "half.png", full[:len(full)/2]},
		{"jpeg header only", "head.jpg", jpg[:100]},
		{"pdf without eof", "draft.pdf", []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := filepath.Join(dir, tc.file)
			require.NoError(t, os.WriteFile(p, tc.data, 0o644))
			err := NewEncoder().Embed(p, p, "x", "y", 0.5)
			assert.ErrorIs(t, err, ErrIncomplete)

			// 原文件保持不动
			got, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(got))
		})
	}
}

func TestEmbedKeepsFileMode(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "shared.png")
	require.NoError(t, os.Chmod(p, 0o644))

	require.NoError(t, NewEncoder().Embed(p, p, "x", "y", 0.5))
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestPNGTextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))

	out, err := insertPNGText(buf.Bytes(), map[string]string{"A": "1", "B": "2"})
	require.NoError(t, err)
	texts, err := readPNGText(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, texts)

	_, err = png.Decode(bytes.NewReader(out))
	assert.NoError(t, err)

	_, err = insertPNGText([]byte("nope"), nil)
	assert.Error(t, err)
}

type fakeLedger struct{ hashes map[string]bool }

func (f fakeLedger) IsTaggedHash(_ context.Context, sha string) (bool, error) {
	return f.hashes[sha], nil
}

func TestCheckerFallsBackToLedger(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "plain.png")
	sum, err := FileSHA256(p)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	c := NewChecker(fakeLedger{hashes: map[string]bool{sum: true}})
	ok, err := c.AlreadyTagged(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, ok)

	other := writePNG(t, t.TempDir(), "other.png")
	require.NoError(t, os.WriteFile(other, append(mustRead(t, other), 0), 0o644))
	ok, err = c.AlreadyTagged(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustRead(t *testing.T, p string) []byte {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return b
}
