package analysis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// Category 候选文件的内容类别
type Category string

const (
	CategoryImage       Category = "image"
	CategoryDocument    Category = "document"
	CategoryUnsupported Category = "unsupported"
)

// Result 检测结果
type Result struct {
	Category     Category
	DeclaredExt  string // 文件名后缀
	RealExt      string // 根据文件头识别的类型
	MIME         string
	IsMasquerade bool   // 后缀与文件头不一致
	RiskLevel    string // HIGH, MEDIUM, SAFE
	Message      string
	Incomplete   bool // 内容尚未写完（空文件或文件头不足），稍后可重试
}

// 可标记的后缀
var taggable = map[string]Category{
	"png":  CategoryImage,
	"jpg":  CategoryImage,
	"jpeg": CategoryImage,
	"pdf":  CategoryDocument,
}

// TypeInspector 通过 magic bytes 校验文件类型
type TypeInspector struct {
	// 真实类型 -> 允许的声明后缀
	aliases map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliases: make(map[string]map[string]bool)}
	t.allow("jpg", "jpeg", "jpe", "jfif")
	t.allow("png")
	t.allow("pdf")
	t.allow("zip", "docx", "xlsx", "pptx", "odt", "ods", "odp", "jar", "apk")
	t.allow("tif", "tiff")
	return t
}

func (t *TypeInspector) allow(realType string, exts ...string) {
	set := map[string]bool{realType: true}
	for _, e := range exts {
		set[e] = true
	}
	t.aliases[realType] = set
}

const (
	headerLen       = 262 // filetype 建议的文件头长度
	minSignatureLen = 8   // PNG 签名长度，可标记类型里最长的
)

// Inspect 读取文件头并判定类别与伪装
func (t *TypeInspector) Inspect(path string) (*Result, error) {
	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	res := &Result{DeclaredExt: declared, Category: CategoryUnsupported, RiskLevel: "SAFE"}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, headerLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if n == 0 {
		res.Message = "empty file"
		res.Incomplete = true
		return res, nil
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		res.RealExt = "unknown"
		res.Message = "unknown signature"
		// 文件头还没写够，无法判断签名
		if _, ok := taggable[declared]; ok && n < minSignatureLen {
			res.Incomplete = true
			res.Message = "header not yet written"
			return res, nil
		}
		// 未知签名但声明为可标记类型：视为伪装
		if _, ok := taggable[declared]; ok {
			res.IsMasquerade = true
			res.RiskLevel = "MEDIUM"
			res.Message = fmt.Sprintf("declared %s but signature unknown", declared)
		}
		return res, nil
	}

	res.RealExt = kind.Extension
	res.MIME = kind.MIME.Value

	if declared != "" && !t.compatible(kind.Extension, declared) {
		res.IsMasquerade = true
		res.RiskLevel = "MEDIUM"
		if kind.Extension == "exe" || kind.Extension == "elf" || kind.Extension == "dll" {
			res.RiskLevel = "HIGH"
		}
		res.Message = fmt.Sprintf("type mismatch: header is %s but name says %s", kind.Extension, declared)
		return res, nil
	}

	if c, ok := taggable[kind.Extension]; ok {
		res.Category = c
	}
	return res, nil
}

func (t *TypeInspector) compatible(realExt, declared string) bool {
	if realExt == declared {
		return true
	}
	if set, ok := t.aliases[realExt]; ok {
		return set[declared]
	}
	return false
}

// Classify 便捷方法，只返回类别；伪装文件返回 unsupported
func (t *TypeInspector) Classify(path string) (Category, *Result, error) {
	res, err := t.Inspect(path)
	if err != nil {
		return CategoryUnsupported, nil, err
	}
	if res.IsMasquerade {
		return CategoryUnsupported, res, nil
	}
	return res.Category, res, nil
}

// IsCandidateName 仅按后缀预筛选候选文件
func IsCandidateName(path string) bool {
	_, ok := taggable[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))]
	return ok
}
