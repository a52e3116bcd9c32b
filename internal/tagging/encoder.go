// Package tagging embeds encrypted forensic payloads and visible watermarks
// into images and documents, and detects content that already carries a tag.
//
// PNG:  tEXt chunk "StegoPayload" + tiled watermark
// JPEG: COM segment "StegoPayload:<payload>" + tiled watermark
// PDF:  trailing comment "%StegoPayload:<payload>" (no visible mark)
package tagging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const Keyword = "StegoPayload"

var ErrUnsupported = errors.New("unsupported content type")

// ErrIncomplete 内容还在写入中：空文件、截断的图片或缺少 %%EOF 的 PDF
var ErrIncomplete = errors.New("content not fully written")

// Encoder 写入到临时文件后原子替换目标文件
type Encoder interface {
	Embed(srcPath, dstPath, encPayload, watermark string, opacity float64) error
}

type FileEncoder struct{}

func NewEncoder() *FileEncoder { return &FileEncoder{} }

func (FileEncoder) Embed(srcPath, dstPath, encPayload, watermark string, opacity float64) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return fmt.Errorf("%s: %w", filepath.Base(srcPath), ErrIncomplete)
	}

	var out []byte
	switch strings.ToLower(filepath.Ext(srcPath)) {
	case ".png":
		out, err = embedPNG(src, encPayload, watermark, opacity)
	case ".jpg", ".jpeg":
		out, err = embedJPEG(src, encPayload, watermark, opacity)
	case ".pdf":
		out, err = embedPDF(src, encPayload, watermark)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(srcPath))
	}
	if err != nil {
		return err
	}
	return replaceFile(dstPath, out, info.Mode().Perm())
}

// replaceFile 同目录临时文件 + rename，保留原文件权限
func replaceFile(dst string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func embedPNG(src []byte, encPayload, watermark string, opacity float64) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, decodeErr("png", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, drawWatermark(img, watermark, opacity)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return insertPNGText(buf.Bytes(), map[string]string{
		Keyword:     encPayload,
		"Watermark": watermark,
	})
}

func embedJPEG(src []byte, encPayload, watermark string, opacity float64) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, decodeErr("jpeg", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, drawWatermark(img, watermark, opacity), &jpeg.Options{Quality: 92}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return insertJPEGComment(buf.Bytes(), Keyword+":"+encPayload)
}

const pdfTailLen = 1024

// decodeErr 截断的数据按未写完处理
func decodeErr(kind string, err error) error {
	var (
		pf png.FormatError
		jf jpeg.FormatError
	)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.As(err, &pf) && string(pf) == "not enough pixel data",
		errors.As(err, &jf) && string(jf) == "short Huffman data":
		return fmt.Errorf("decode %s: %w: %w", kind, ErrIncomplete, err)
	}
	return fmt.Errorf("decode %s: %w", kind, err)
}

func embedPDF(src []byte, encPayload, watermark string) ([]byte, error) {
	if !bytes.HasPrefix(src, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: not a pdf", ErrUnsupported)
	}
	// 写入方最后才落 %%EOF
	if !bytes.Contains(src[max(0, len(src)-pdfTailLen):], []byte("%%EOF")) {
		return nil, fmt.Errorf("pdf: %w: no %%%%EOF marker", ErrIncomplete)
	}
	var buf bytes.Buffer
	buf.Grow(len(src) + len(encPayload) + 64)
	buf.Write(src)
	if !bytes.HasSuffix(src, []byte("\n")) {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "%%%s:%s\n", Keyword, encPayload)
	if watermark != "" {
		fmt.Fprintf(&buf, "%%Watermark:%s\n", watermark)
	}
	return buf.Bytes(), nil
}

// drawWatermark 以给定不透明度平铺水印文字，间距随图片尺寸缩放
func drawWatermark(src image.Image, text string, opacity float64) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	if text == "" {
		return dst
	}

	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}
	alpha := uint8(opacity * 255)
	if alpha == 0 {
		return dst
	}

	scale := float64(max(b.Dx(), b.Dy())) / 1000
	stepX := max(120, int(300*scale))
	stepY := max(80, int(200*scale))

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.NRGBA{R: 255, A: alpha}),
		Face: basicfont.Face7x13,
	}
	row := 0
	for y := b.Min.Y + 13; y < b.Max.Y+stepY; y += stepY {
		// 相邻行错开半个间距，形成斜向排列
		offset := (row % 2) * stepX / 2
		for x := b.Min.X - offset; x < b.Max.X; x += stepX {
			d.Dot = fixed.P(x, y)
			d.DrawString(text)
		}
		row++
	}
	return dst
}
